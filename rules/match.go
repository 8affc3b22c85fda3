package rules

import (
	"context"
	"fmt"
	"slices"

	"github.com/dragonfly-scan/dragonfly"
)

// Ruleset is a compiled set of rules. It is immutable and safe for
// concurrent use.
type Ruleset struct {
	rules []*rule
}

type rule struct {
	name   string
	tags   []string
	meta   []Meta
	weight int64
	pats   []pattern
	cond   node
}

// Match is a rule that matched a buffer.
type Match struct {
	Rule string
	Tags []string
	Meta []Meta
	// Weight is the rule's "weight" meta value, or 0 if it has none.
	Weight int64
}

// Compile parses and compiles rule source. On any error, no Ruleset is
// returned.
//
// The returned error is a *dragonfly.Error of kind
// [dragonfly.ErrRuleCompilation] wrapping a [*SyntaxError] where one is
// available.
func Compile(src string) (*Ruleset, error) {
	const op = `rules.Compile`
	fail := func(err error) (*Ruleset, error) {
		return nil, &dragonfly.Error{
			Op:    op,
			Kind:  dragonfly.ErrRuleCompilation,
			Inner: err,
		}
	}
	decls, err := parse(src)
	if err != nil {
		return fail(err)
	}
	rs := Ruleset{rules: make([]*rule, 0, len(decls))}
	for _, d := range decls {
		r := rule{
			name: d.name,
			tags: d.tags,
			meta: d.meta,
			cond: d.cond,
		}
		for _, m := range d.meta {
			if m.Key != "weight" {
				continue
			}
			w, ok := m.Value.(int64)
			if !ok {
				return fail(&SyntaxError{Line: d.line, Msg: fmt.Sprintf("rule %q: weight must be an integer", d.name)})
			}
			r.weight = w
		}
		for _, s := range d.strs {
			p, err := compileString(s)
			if err != nil {
				return fail(err)
			}
			r.pats = append(r.pats, p)
		}
		rs.rules = append(rs.rules, &r)
	}
	return &rs, nil
}

// Len reports the number of rules in the set.
func (rs *Ruleset) Len() int {
	return len(rs.rules)
}

// Identifiers returns the rule names in declaration order.
func (rs *Ruleset) Identifiers() []string {
	out := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.name
	}
	return out
}

// Match evaluates every rule against the buffer and returns the rules that
// matched, in declaration order.
func (rs *Ruleset) Match(data []byte) []Match {
	ms, _ := rs.MatchContext(context.Background(), data)
	return ms
}

// MatchContext is like Match, but stops early once the Context is done and
// returns its error. Matching is linear in the length of "data" for every
// kind of string.
func (rs *Ruleset) MatchContext(ctx context.Context, data []byte) ([]Match, error) {
	s := scan{
		buf:     buffer{ctx: ctx, data: data},
		results: make([]bool, len(rs.rules)),
	}
	var out []Match
	for i, r := range rs.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.reset(r)
		if !r.cond.eval(&s) {
			continue
		}
		s.results[i] = true
		out = append(out, Match{
			Rule:   r.name,
			Tags:   slices.Clone(r.tags),
			Meta:   slices.Clone(r.meta),
			Weight: r.weight,
		})
	}
	// Counts are cut short on cancellation, so the last results can't be
	// trusted.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Scan is the evaluation state for one buffer.
type scan struct {
	buf     buffer
	rule    *rule
	counts  []int // -1 when not yet computed
	results []bool
}

func (s *scan) reset(r *rule) {
	s.rule = r
	s.counts = s.counts[:0]
	for range r.pats {
		s.counts = append(s.counts, -1)
	}
}

func (s *scan) count(i int) int {
	if s.counts[i] < 0 {
		s.counts[i] = s.rule.pats[i].count(&s.buf, maxMatches)
	}
	return s.counts[i]
}

func (s *scan) present(i int) bool {
	if s.counts[i] >= 0 {
		return s.counts[i] > 0
	}
	// Only the first occurrence is needed; don't cache a truncated count.
	return s.rule.pats[i].count(&s.buf, 1) > 0
}

type node interface {
	eval(*scan) bool
}

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

func (op cmpOp) cmp(a, b int64) bool {
	switch op {
	case opEq:
		return a == b
	case opNe:
		return a != b
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opGe:
		return a >= b
	}
	panic(fmt.Sprintf("unknown comparison %d", op))
}

// Quantifiers for "of" expressions. Non-negative values are literal counts.
const (
	quantAny = -1 - iota
	quantAll
	quantNone
)

type (
	orNode     struct{ l, r node }
	andNode    struct{ l, r node }
	notNode    struct{ n node }
	stringNode int
	countNode  struct {
		str int
		op  cmpOp
		n   int64
	}
	sizeNode struct {
		op cmpOp
		n  int64
	}
	ofNode struct {
		quant int
		set   []int
	}
	boolNode bool
	ruleNode int
)

func (n orNode) eval(s *scan) bool { return n.l.eval(s) || n.r.eval(s) }
func (n andNode) eval(s *scan) bool { return n.l.eval(s) && n.r.eval(s) }
func (n notNode) eval(s *scan) bool { return !n.n.eval(s) }

func (n stringNode) eval(s *scan) bool { return s.present(int(n)) }

func (n countNode) eval(s *scan) bool {
	return n.op.cmp(int64(s.count(n.str)), n.n)
}

func (n sizeNode) eval(s *scan) bool {
	return n.op.cmp(int64(len(s.buf.data)), n.n)
}

func (n ofNode) eval(s *scan) bool {
	want := n.quant
	switch n.quant {
	case quantAny:
		want = 1
	case quantAll:
		want = len(n.set)
	case quantNone:
		for _, i := range n.set {
			if s.present(i) {
				return false
			}
		}
		return true
	}
	found := 0
	for _, i := range n.set {
		if found >= want {
			break
		}
		if s.present(i) {
			found++
		}
	}
	return found >= want
}

func (n boolNode) eval(*scan) bool { return bool(n) }
func (n ruleNode) eval(s *scan) bool { return s.results[n] }
