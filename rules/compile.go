package rules

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Upper bound on the occurrences counted for a single string in one buffer.
const maxMatches = 1 << 20

// Pattern is a compiled string declaration.
type pattern interface {
	// Count reports the number of occurrences in the buffer, stopping at
	// "limit".
	count(b *buffer, limit int) int
}

// Buffer is the data being matched, plus a lazily computed lowercase copy
// for case-insensitive literals.
type buffer struct {
	ctx   context.Context
	data  []byte
	lower []byte
}

func (b *buffer) canceled() bool {
	return b.ctx != nil && b.ctx.Err() != nil
}

func (b *buffer) folded() []byte {
	if b.lower == nil {
		b.lower = make([]byte, len(b.data))
		for i, c := range b.data {
			b.lower[i] = asciiLower(c)
		}
	}
	return b.lower
}

func asciiLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func compileString(s *stringDecl) (pattern, error) {
	fail := func(format string, args ...any) (pattern, error) {
		return nil, &SyntaxError{
			Line: s.line,
			Msg:  fmt.Sprintf("$%s: ", s.name) + fmt.Sprintf(format, args...),
		}
	}
	switch s.kind {
	case tText:
		lit := literal{nocase: s.nocase, fullword: s.fullword}
		needle := []byte(s.val)
		if s.nocase {
			needle = bytes.Map(func(r rune) rune {
				if r < 0x80 {
					return rune(asciiLower(byte(r)))
				}
				return r
			}, needle)
		}
		if s.ascii || !s.wide {
			lit.needles = append(lit.needles, needle)
		}
		if s.wide {
			w := make([]byte, 0, len(needle)*2)
			for _, c := range needle {
				w = append(w, c, 0x00)
			}
			lit.needles = append(lit.needles, w)
		}
		return &lit, nil
	case tRegex:
		if s.wide {
			return fail("modifier %q not supported on regular expressions", "wide")
		}
		src := s.val
		if s.nocase {
			src = "(?i)" + src
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return fail("%v", err)
		}
		return &regex{re: re, fullword: s.fullword}, nil
	case tHex:
		elems, err := parseHex(s.val)
		if err != nil {
			return fail("%v", err)
		}
		return newHexString(elems), nil
	}
	return fail("unknown string kind %v", s.kind)
}

type literal struct {
	needles  [][]byte
	nocase   bool
	fullword bool
}

func (l *literal) count(b *buffer, limit int) int {
	hay := b.data
	if l.nocase {
		hay = b.folded()
	}
	n := 0
	for _, needle := range l.needles {
		for off := 0; off <= len(hay)-len(needle); {
			i := bytes.Index(hay[off:], needle)
			if i == -1 {
				break
			}
			start := off + i
			off = start + 1
			if l.fullword && !isWordBoundary(hay, start, start+len(needle)) {
				continue
			}
			n++
			if n >= limit {
				return n
			}
		}
	}
	return n
}

type regex struct {
	re       *regexp.Regexp
	fullword bool
}

func (r *regex) count(b *buffer, limit int) int {
	if !r.fullword {
		return len(r.re.FindAllIndex(b.data, limit))
	}
	n := 0
	for _, loc := range r.re.FindAllIndex(b.data, maxMatches) {
		if isWordBoundary(b.data, loc[0], loc[1]) {
			n++
			if n >= limit {
				break
			}
		}
	}
	return n
}

func isWordBoundary(b []byte, start, end int) bool {
	alnum := func(c byte) bool {
		return isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'z')
	}
	if start > 0 && alnum(b[start-1]) {
		return false
	}
	if end < len(b) && alnum(b[end]) {
		return false
	}
	return true
}

type hexKind int

const (
	hexByte hexKind = iota
	hexJump
	hexAlt
)

type hexElem struct {
	kind      hexKind
	val, mask byte
	min, max  int // max < 0 means unbounded
	alts      [][]hexElem
}

// Upper bound for the high end of a bounded jump.
const maxJump = 1 << 16

// HexString is a hex pattern compiled to a small automaton over the reversed
// element list. The automaton is run once from the end of the buffer to the
// start, tracking every partial match at the same time, so each step that
// reaches insAccept marks a distinct start offset and the cost is linear in
// the buffer length whatever the jumps are.
type hexString struct {
	prog []hexInst
}

type hexOp int

const (
	insByte hexOp = iota
	insJump
	insSplit // Also used as a plain goto with one successor.
	insAccept
)

// HexInst is one automaton state. Successors always have a larger index, so
// a single pass in index order computes the states reached at a position.
type hexInst struct {
	op        hexOp
	val, mask byte
	min, max  int
	next      []int
}

func newHexString(elems []hexElem) *hexString {
	var prog []hexInst
	var emit func([]hexElem)
	emit = func(elems []hexElem) {
		for i := len(elems) - 1; i >= 0; i-- {
			e := elems[i]
			switch e.kind {
			case hexByte:
				prog = append(prog, hexInst{op: insByte, val: e.val, mask: e.mask, next: []int{len(prog) + 1}})
			case hexJump:
				prog = append(prog, hexInst{op: insJump, min: e.min, max: e.max, next: []int{len(prog) + 1}})
			case hexAlt:
				split := len(prog)
				prog = append(prog, hexInst{op: insSplit})
				var gotos []int
				for _, a := range e.alts {
					prog[split].next = append(prog[split].next, len(prog))
					emit(a)
					gotos = append(gotos, len(prog))
					prog = append(prog, hexInst{op: insSplit})
				}
				for _, g := range gotos {
					prog[g].next = []int{len(prog)}
				}
			}
		}
	}
	emit(elems)
	prog = append(prog, hexInst{op: insAccept})
	return &hexString{prog: prog}
}

// JumpState remembers when a jump was entered: the earliest entry for an
// unbounded jump, the entries still inside the window for a bounded one.
type jumpState struct {
	first   int
	entries []int
	head    int
}

func (j *jumpState) live() bool {
	return j.first >= 0 || j.head < len(j.entries)
}

// Exit reports whether the jump can be left at step "t".
func (j *jumpState) exit(in *hexInst, t int) bool {
	lo := max(in.min, 1)
	if in.max < 0 {
		return j.first >= 0 && j.first <= t-lo
	}
	for j.head < len(j.entries) && j.entries[j.head] < t-in.max {
		j.head++
	}
	if j.head > 64 && j.head > len(j.entries)/2 {
		j.entries = append(j.entries[:0], j.entries[j.head:]...)
		j.head = 0
	}
	return j.head < len(j.entries) && j.entries[j.head] <= t-lo
}

func (j *jumpState) enter(in *hexInst, t int) {
	switch {
	case in.max < 0:
		if j.first < 0 {
			j.first = t
		}
	case in.max > 0:
		j.entries = append(j.entries, t)
	}
}

func (h *hexString) count(b *buffer, limit int) int {
	data := b.data
	n := len(data)
	prog := h.prog
	cur := make([]bool, len(prog))
	nxt := make([]bool, len(prog))
	jumps := make([]jumpState, len(prog))
	for i := range jumps {
		jumps[i].first = -1
	}
	// When nothing is in flight, only prog[0] can start a match; if it's an
	// exact byte, skip straight to its next occurrence.
	skip := prog[0].op == insByte && prog[0].mask == 0xFF

	found, carried := 0, 0
	for t := 0; t <= n; t++ {
		if t&(1<<16-1) == 0 && b.canceled() {
			return found
		}
		if skip && carried == 0 && t < n && !h.jumpsLive(jumps) {
			i := bytes.LastIndexByte(data[:n-t], prog[0].val)
			if i == -1 {
				break
			}
			t = n - 1 - i
		}
		cur, nxt = nxt, cur
		clear(nxt)
		carried = 0
		cur[0] = true
		var c byte
		if t < n {
			c = data[n-1-t]
		}
		accepted := false
		for i := range prog {
			in := &prog[i]
			if in.op == insJump && jumps[i].exit(in, t) {
				cur[in.next[0]] = true
			}
			if !cur[i] {
				continue
			}
			switch in.op {
			case insByte:
				if t < n && c&in.mask == in.val {
					nxt[in.next[0]] = true
					carried++
				}
			case insJump:
				jumps[i].enter(in, t)
				if in.min == 0 {
					cur[in.next[0]] = true
				}
			case insSplit:
				for _, k := range in.next {
					cur[k] = true
				}
			case insAccept:
				accepted = true
			}
		}
		if accepted {
			found++
			if found >= limit {
				break
			}
		}
	}
	return found
}

func (h *hexString) jumpsLive(js []jumpState) bool {
	for i := range js {
		if h.prog[i].op == insJump && js[i].live() {
			return true
		}
	}
	return false
}

// ParseHex parses the body of a hex string: byte values with optional "?"
// nibble wildcards, jumps like "[2-4]", and alternatives like "( 4D | 5A )".
func parseHex(body string) ([]hexElem, error) {
	src := strings.Join(strings.Fields(body), "")
	elems, rest, err := parseHexSeq(src, 0)
	if err != nil {
		return nil, err
	}
	if rest != len(src) {
		return nil, fmt.Errorf("unexpected %q in hex string", src[rest])
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("empty hex string")
	}
	if elems[0].kind == hexJump || elems[len(elems)-1].kind == hexJump {
		return nil, fmt.Errorf("hex string cannot start or end with a jump")
	}
	return elems, nil
}

func parseHexSeq(src string, pos int) ([]hexElem, int, error) {
	var out []hexElem
	for pos < len(src) {
		c := src[pos]
		switch {
		case c == '|' || c == ')':
			return out, pos, nil
		case c == '(':
			var e hexElem
			e.kind = hexAlt
			pos++
			for {
				alt, next, err := parseHexSeq(src, pos)
				if err != nil {
					return nil, 0, err
				}
				if len(alt) == 0 {
					return nil, 0, fmt.Errorf("empty alternative in hex string")
				}
				e.alts = append(e.alts, alt)
				pos = next
				if pos >= len(src) {
					return nil, 0, fmt.Errorf("unterminated alternative in hex string")
				}
				if src[pos] == ')' {
					pos++
					break
				}
				pos++ // "|"
			}
			out = append(out, e)
		case c == '[':
			end := strings.IndexByte(src[pos:], ']')
			if end == -1 {
				return nil, 0, fmt.Errorf("unterminated jump in hex string")
			}
			e, err := parseJump(src[pos+1 : pos+end])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, e)
			pos += end + 1
		default:
			if pos+2 > len(src) {
				return nil, 0, fmt.Errorf("odd number of hex digits")
			}
			e, err := parseHexByte(src[pos : pos+2])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, e)
			pos += 2
		}
	}
	return out, pos, nil
}

func parseHexByte(s string) (hexElem, error) {
	e := hexElem{kind: hexByte}
	for i := 0; i < 2; i++ {
		shift := uint(4 * (1 - i))
		if s[i] == '?' {
			continue
		}
		v, err := strconv.ParseUint(s[i:i+1], 16, 8)
		if err != nil {
			return e, fmt.Errorf("bad hex byte %q", s)
		}
		e.val |= byte(v) << shift
		e.mask |= 0xF << shift
	}
	return e, nil
}

func parseJump(s string) (hexElem, error) {
	e := hexElem{kind: hexJump, max: -1}
	lo, hi, ranged := strings.Cut(s, "-")
	var err error
	if lo != "" {
		if e.min, err = strconv.Atoi(lo); err != nil {
			return e, fmt.Errorf("bad jump %q", s)
		}
	}
	switch {
	case !ranged:
		if lo == "" {
			return e, fmt.Errorf("bad jump %q", s)
		}
		e.max = e.min
	case hi != "":
		if e.max, err = strconv.Atoi(hi); err != nil {
			return e, fmt.Errorf("bad jump %q", s)
		}
		if e.max < e.min {
			return e, fmt.Errorf("bad jump %q", s)
		}
	}
	if e.min < 0 {
		return e, fmt.Errorf("bad jump %q", s)
	}
	if e.min > maxJump || e.max > maxJump {
		return e, fmt.Errorf("jump %q longer than %d", s, maxJump)
	}
	return e, nil
}
