package rules

import (
	"fmt"
	"strings"
)

type ruleDecl struct {
	name string
	line int
	tags []string
	meta []Meta
	strs []*stringDecl
	cond node
}

type stringDecl struct {
	name string
	line int
	kind tokenKind // tText, tRegex or tHex
	val  string

	nocase, wide, ascii, fullword bool
}

// Meta is a single "meta:" entry of a rule. Value is a string, int64, or
// bool.
type Meta struct {
	Key   string
	Value any
}

type parser struct {
	lx   *lexer
	tok  token
	peek *token

	// Rule identifiers seen so far, for rule references in conditions.
	rules map[string]int
	// String table of the rule being parsed.
	strs []*stringDecl
}

func parse(src string) ([]*ruleDecl, error) {
	p := parser{
		lx:    newLexer(src),
		rules: make(map[string]int),
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var out []*ruleDecl
	for p.tok.kind != tEOF {
		r, err := p.rule()
		if err != nil {
			return nil, err
		}
		if _, dup := p.rules[r.name]; dup {
			return nil, &SyntaxError{Line: r.line, Msg: fmt.Sprintf("duplicate rule identifier %q", r.name)}
		}
		p.rules[r.name] = len(out)
		out = append(out, r)
	}
	return out, nil
}

func (p *parser) advance() error {
	if p.peek != nil {
		p.tok, p.peek = *p.peek, nil
		return nil
	}
	t, err := p.lx.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) lookahead() (token, error) {
	if p.peek == nil {
		t, err := p.lx.next()
		if err != nil {
			return t, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Line: p.tok.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.tok
	if t.kind != k {
		return t, p.errorf("expected %v, found %v", k, t)
	}
	return t, p.advance()
}

func (p *parser) keyword(kw string) bool {
	return p.tok.kind == tIdent && p.tok.val == kw
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.errorf("expected %q, found %v", kw, p.tok)
	}
	return p.advance()
}

var reserved = map[string]bool{
	"rule": true, "meta": true, "strings": true, "condition": true,
	"and": true, "or": true, "not": true, "any": true, "all": true,
	"none": true, "of": true, "them": true, "true": true, "false": true,
	"filesize": true, "nocase": true, "wide": true, "ascii": true,
	"fullword": true, "private": true, "global": true, "import": true,
	"include": true,
}

func (p *parser) rule() (*ruleDecl, error) {
	switch {
	case p.keyword("import"), p.keyword("include"):
		return nil, p.errorf("%q is not supported", p.tok.val)
	case p.keyword("private"), p.keyword("global"):
		return nil, p.errorf("%s rules are not supported", p.tok.val)
	}
	if err := p.expectKeyword("rule"); err != nil {
		return nil, err
	}
	r := ruleDecl{line: p.tok.line}
	name, err := p.expect(tIdent)
	if err != nil {
		return nil, err
	}
	if reserved[name.val] {
		return nil, &SyntaxError{Line: name.line, Msg: fmt.Sprintf("%q is a reserved word", name.val)}
	}
	r.name = name.val

	if p.tok.kind == tColon {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.tok.kind == tIdent {
			r.tags = append(r.tags, p.tok.val)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if len(r.tags) == 0 {
			return nil, p.errorf("expected tags after %q", ":")
		}
	}
	if _, err := p.expect(tLBrace); err != nil {
		return nil, err
	}

	p.strs = nil
	if p.keyword("meta") {
		if r.meta, err = p.metaSection(); err != nil {
			return nil, err
		}
	}
	if p.keyword("strings") {
		if err := p.stringsSection(); err != nil {
			return nil, err
		}
	}
	r.strs = p.strs
	if !p.keyword("condition") {
		return nil, p.errorf("expected %q section, found %v", "condition", p.tok)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tColon); err != nil {
		return nil, err
	}
	if r.cond, err = p.expr(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tRBrace); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *parser) metaSection() ([]Meta, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tColon); err != nil {
		return nil, err
	}
	var out []Meta
	for p.tok.kind == tIdent && !p.keyword("strings") && !p.keyword("condition") {
		m := Meta{Key: p.tok.val}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(tAssign); err != nil {
			return nil, err
		}
		neg := false
		if p.tok.kind == tMinus {
			neg = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		switch {
		case p.tok.kind == tText && !neg:
			m.Value = p.tok.val
		case p.tok.kind == tInt:
			n := p.tok.n
			if neg {
				n = -n
			}
			m.Value = n
		case (p.keyword("true") || p.keyword("false")) && !neg:
			m.Value = p.tok.val == "true"
		default:
			return nil, p.errorf("bad value for meta %q: %v", m.Key, p.tok)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *parser) stringsSection() error {
	if err := p.advance(); err != nil {
		return err
	}
	if _, err := p.expect(tColon); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for p.tok.kind == tVar {
		s := stringDecl{name: p.tok.val, line: p.tok.line}
		if seen[s.name] {
			return p.errorf("duplicate string identifier $%s", s.name)
		}
		seen[s.name] = true
		if err := p.advance(); err != nil {
			return err
		}
		if _, err := p.expect(tAssign); err != nil {
			return err
		}
		switch p.tok.kind {
		case tText, tRegex, tHex:
			s.kind, s.val = p.tok.kind, p.tok.val
		default:
			return p.errorf("expected string value for $%s, found %v", s.name, p.tok)
		}
		if s.kind == tText && s.val == "" {
			return p.errorf("empty string $%s", s.name)
		}
		if err := p.advance(); err != nil {
			return err
		}
	Modifiers:
		for p.tok.kind == tIdent {
			switch p.tok.val {
			case "nocase":
				s.nocase = true
			case "wide":
				s.wide = true
			case "ascii":
				s.ascii = true
			case "fullword":
				s.fullword = true
			default:
				break Modifiers
			}
			if s.kind == tHex {
				return p.errorf("modifier %q not allowed on hex string $%s", p.tok.val, s.name)
			}
			if err := p.advance(); err != nil {
				return err
			}
		}
		p.strs = append(p.strs, &s)
	}
	if len(p.strs) == 0 {
		return p.errorf("empty strings section")
	}
	return nil
}

// Condition grammar, lowest precedence first:
//
//	expr    = and { "or" and }
//	and     = unary { "and" unary }
//	unary   = "not" unary | primary
//	primary = "(" expr ")" | "true" | "false" | "$id" | "#id" cmp INT
//	        | "filesize" cmp INT | quant "of" set | rule-identifier
//	quant   = "any" | "all" | "none" | INT
//	set     = "them" | "(" item { "," item } ")"
func (p *parser) expr() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	if p.keyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.tok
	switch t.kind {
	case tLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tVar:
		i, err := p.lookupString(t.val)
		if err != nil {
			return nil, err
		}
		return stringNode(i), p.advance()
	case tCount:
		i, err := p.lookupString(t.val)
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		op, n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		return countNode{str: i, op: op, n: n}, nil
	case tInt:
		// Only valid as an "N of" quantifier.
		next, err := p.lookahead()
		if err != nil {
			return nil, err
		}
		if next.kind != tIdent || next.val != "of" {
			return nil, p.errorf("unexpected integer %v", t)
		}
		if t.n < 0 {
			return nil, p.errorf("negative quantifier")
		}
		return p.of(int(t.n))
	case tIdent:
	default:
		return nil, p.errorf("unexpected %v in condition", t)
	}

	switch t.val {
	case "true", "false":
		return boolNode(t.val == "true"), p.advance()
	case "filesize":
		if err := p.advance(); err != nil {
			return nil, err
		}
		op, n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		return sizeNode{op: op, n: n}, nil
	case "any":
		return p.of(quantAny)
	case "all":
		return p.of(quantAll)
	case "none":
		return p.of(quantNone)
	}
	if reserved[t.val] {
		return nil, p.errorf("unexpected %q in condition", t.val)
	}
	i, ok := p.rules[t.val]
	if !ok {
		return nil, p.errorf("undefined identifier %q", t.val)
	}
	return ruleNode(i), p.advance()
}

func (p *parser) comparison() (cmpOp, int64, error) {
	var op cmpOp
	switch p.tok.kind {
	case tEq:
		op = opEq
	case tNe:
		op = opNe
	case tLt:
		op = opLt
	case tLe:
		op = opLe
	case tGt:
		op = opGt
	case tGe:
		op = opGe
	default:
		return 0, 0, p.errorf("expected comparison, found %v", p.tok)
	}
	if err := p.advance(); err != nil {
		return 0, 0, err
	}
	t, err := p.expect(tInt)
	if err != nil {
		return 0, 0, err
	}
	return op, t.n, nil
}

func (p *parser) of(quant int) (node, error) {
	if err := p.advance(); err != nil { // quantifier
		return nil, err
	}
	if err := p.expectKeyword("of"); err != nil {
		return nil, err
	}
	var set []int
	switch {
	case p.keyword("them"):
		if len(p.strs) == 0 {
			return nil, p.errorf("%q used in a rule without strings", "them")
		}
		for i := range p.strs {
			set = append(set, i)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	case p.tok.kind == tLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		seen := make(map[int]bool)
		for {
			var idx []int
			switch p.tok.kind {
			case tVar:
				i, err := p.lookupString(p.tok.val)
				if err != nil {
					return nil, err
				}
				idx = []int{i}
			case tVarGlob:
				for i, s := range p.strs {
					if strings.HasPrefix(s.name, p.tok.val) {
						idx = append(idx, i)
					}
				}
				if len(idx) == 0 {
					return nil, p.errorf("$%s* matches no strings", p.tok.val)
				}
			default:
				return nil, p.errorf("expected string identifier, found %v", p.tok)
			}
			for _, i := range idx {
				if !seen[i] {
					seen[i] = true
					set = append(set, i)
				}
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
	default:
		return nil, p.errorf("expected %q or a string set, found %v", "them", p.tok)
	}
	if quant > len(set) {
		return nil, p.errorf("quantifier %d exceeds set of %d strings", quant, len(set))
	}
	return ofNode{quant: quant, set: set}, nil
}

func (p *parser) lookupString(name string) (int, error) {
	for i, s := range p.strs {
		if s.name == name {
			return i, nil
		}
	}
	return 0, p.errorf("undefined string identifier $%s", name)
}
