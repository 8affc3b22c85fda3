package rules

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tInt
	tText
	tRegex
	tHex
	tVar
	tVarGlob
	tCount
	tLBrace
	tRBrace
	tLParen
	tRParen
	tColon
	tAssign
	tComma
	tMinus
	tEq
	tNe
	tLt
	tLe
	tGt
	tGe
)

var kindNames = [...]string{
	tEOF:     "end of input",
	tIdent:   "identifier",
	tInt:     "integer",
	tText:    "text string",
	tRegex:   "regular expression",
	tHex:     "hex string",
	tVar:     "string identifier",
	tVarGlob: "string identifier wildcard",
	tCount:   "string count",
	tLBrace:  `"{"`,
	tRBrace:  `"}"`,
	tLParen:  `"("`,
	tRParen:  `")"`,
	tColon:   `":"`,
	tAssign:  `"="`,
	tComma:   `","`,
	tMinus:   `"-"`,
	tEq:      `"=="`,
	tNe:      `"!="`,
	tLt:      `"<"`,
	tLe:      `"<="`,
	tGt:      `">"`,
	tGe:      `">="`,
}

func (k tokenKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "token(" + strconv.Itoa(int(k)) + ")"
}

type token struct {
	kind tokenKind
	// Val is the decoded value: the identifier name (without sigil), the
	// unescaped text, the regexp source, or the raw hex body.
	val  string
	n    int64
	line int
}

func (t token) String() string {
	switch t.kind {
	case tIdent, tInt:
		return fmt.Sprintf("%q", t.val)
	case tVar:
		return "$" + t.val
	case tCount:
		return "#" + t.val
	}
	return t.kind.String()
}

// SyntaxError reports a problem at a line of the rule source.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Lexer turns rule source into tokens.
//
// Slashes and braces are ambiguous in the grammar; the lexer resolves them
// by looking at the previous token: directly after "=" they begin a regexp
// or a hex string.
type lexer struct {
	src  string
	pos  int
	line int
	prev tokenKind
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, prev: tEOF}
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: l.line, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	tok, err := l.scan()
	if err == nil {
		l.prev = tok.kind
	}
	return tok, err
}

func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case strings.HasPrefix(l.src[l.pos:], "//"):
			end := strings.IndexByte(l.src[l.pos:], '\n')
			if end == -1 {
				l.pos = len(l.src)
			} else {
				l.pos += end
			}
		case strings.HasPrefix(l.src[l.pos:], "/*"):
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end == -1 {
				return l.errorf("unterminated comment")
			}
			l.line += strings.Count(l.src[l.pos:l.pos+2+end], "\n")
			l.pos += end + 4
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) scan() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{}, err
	}
	tok := token{line: l.line}
	if l.pos >= len(l.src) {
		tok.kind = tEOF
		return tok, nil
	}
	c := l.src[l.pos]
	switch {
	case c == '/' && l.prev == tAssign:
		return l.regex(tok)
	case c == '{' && l.prev == tAssign:
		return l.hex(tok)
	case c == '"':
		return l.text(tok)
	case c == '$' || c == '#':
		l.pos++
		name := l.word()
		switch {
		case c == '#':
			if name == "" {
				return tok, l.errorf("bare %q", "#")
			}
			tok.kind = tCount
		case l.pos < len(l.src) && l.src[l.pos] == '*':
			l.pos++
			tok.kind = tVarGlob
		default:
			if name == "" {
				return tok, l.errorf("anonymous strings are not supported")
			}
			tok.kind = tVar
		}
		tok.val = name
		return tok, nil
	case isDigit(c):
		return l.number(tok)
	case isWordStart(c):
		tok.kind = tIdent
		tok.val = l.word()
		return tok, nil
	}

	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==":
		tok.kind = tEq
	case "!=":
		tok.kind = tNe
	case "<=":
		tok.kind = tLe
	case ">=":
		tok.kind = tGe
	}
	if tok.kind != tEOF {
		l.pos += 2
		return tok, nil
	}
	switch c {
	case '{':
		tok.kind = tLBrace
	case '}':
		tok.kind = tRBrace
	case '(':
		tok.kind = tLParen
	case ')':
		tok.kind = tRParen
	case ':':
		tok.kind = tColon
	case '=':
		tok.kind = tAssign
	case ',':
		tok.kind = tComma
	case '-':
		tok.kind = tMinus
	case '<':
		tok.kind = tLt
	case '>':
		tok.kind = tGt
	default:
		return tok, l.errorf("unexpected character %q", c)
	}
	l.pos++
	return tok, nil
}

func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.src) && isWordChar(l.src[l.pos]) {
		l.pos++
	}
	return l.src[start:l.pos]
}

func (l *lexer) number(tok token) (token, error) {
	start := l.pos
	for l.pos < len(l.src) && (isWordChar(l.src[l.pos])) {
		l.pos++
	}
	lit := l.src[start:l.pos]
	mult := int64(1)
	switch {
	case strings.HasSuffix(lit, "KB"):
		mult, lit = 1<<10, strings.TrimSuffix(lit, "KB")
	case strings.HasSuffix(lit, "MB"):
		mult, lit = 1<<20, strings.TrimSuffix(lit, "MB")
	}
	n, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return tok, l.errorf("bad integer %q", l.src[start:l.pos])
	}
	tok.kind = tInt
	tok.val = l.src[start:l.pos]
	tok.n = n * mult
	return tok, nil
}

func (l *lexer) text(tok token) (token, error) {
	l.pos++ // opening quote
	var b strings.Builder
	for {
		if l.pos >= len(l.src) || l.src[l.pos] == '\n' {
			return tok, l.errorf("unterminated string")
		}
		c := l.src[l.pos]
		l.pos++
		switch c {
		case '"':
			tok.kind = tText
			tok.val = b.String()
			return tok, nil
		case '\\':
			if l.pos >= len(l.src) {
				return tok, l.errorf("unterminated string")
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case '"', '\\':
				b.WriteByte(e)
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'x':
				if l.pos+2 > len(l.src) {
					return tok, l.errorf("short \\x escape")
				}
				v, err := strconv.ParseUint(l.src[l.pos:l.pos+2], 16, 8)
				if err != nil {
					return tok, l.errorf("bad \\x escape %q", l.src[l.pos:l.pos+2])
				}
				b.WriteByte(byte(v))
				l.pos += 2
			default:
				return tok, l.errorf("unknown escape \\%c", e)
			}
		default:
			b.WriteByte(c)
		}
	}
}

func (l *lexer) regex(tok token) (token, error) {
	l.pos++ // opening slash
	var b strings.Builder
	for {
		if l.pos >= len(l.src) || l.src[l.pos] == '\n' {
			return tok, l.errorf("unterminated regular expression")
		}
		c := l.src[l.pos]
		l.pos++
		if c == '/' {
			break
		}
		if c == '\\' && l.pos < len(l.src) {
			if l.src[l.pos] == '/' {
				b.WriteByte('/')
				l.pos++
				continue
			}
			b.WriteByte(c)
			c = l.src[l.pos]
			l.pos++
		}
		b.WriteByte(c)
	}
	var flags strings.Builder
	for l.pos < len(l.src) && (l.src[l.pos] == 'i' || l.src[l.pos] == 's') {
		flags.WriteByte(l.src[l.pos])
		l.pos++
	}
	src := b.String()
	if src == "" {
		return tok, l.errorf("empty regular expression")
	}
	if f := flags.String(); f != "" {
		src = "(?" + f + ")" + src
	}
	tok.kind = tRegex
	tok.val = src
	return tok, nil
}

func (l *lexer) hex(tok token) (token, error) {
	l.pos++ // opening brace
	end := strings.IndexByte(l.src[l.pos:], '}')
	if end == -1 {
		return tok, l.errorf("unterminated hex string")
	}
	body := l.src[l.pos : l.pos+end]
	l.line += strings.Count(body, "\n")
	l.pos += end + 1
	tok.kind = tHex
	tok.val = body
	return tok, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool { return isWordStart(c) || isDigit(c) }
