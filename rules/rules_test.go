package rules

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dragonfly-scan/dragonfly"
)

const testRules = `
// Exercises most of the supported language.
rule eval_b64 : suspicious {
  meta:
    weight = 5
    description = "base64 eval"
  strings:
    $eval = "eval(" nocase
    $b64 = /b64decode/is
  condition:
    $eval and $b64
}

rule mz {
  meta:
    weight = 2
  strings:
    $mz = { 4D 5A ?? 00 }
  condition:
    $mz
}

rule wide_marker {
  strings:
    $w = "evil" wide
  condition:
    $w
}

/* Counted, whole words only. */
rule many_exec {
  meta: weight = 1
  strings:
    $e = "exec" fullword
  condition:
    #e >= 2
}

rule tiny { condition: filesize < 4 }

rule combo { condition: eval_b64 and not mz }

rule any_of {
  strings:
    $p1 = "socket"
    $p2 = "subprocess"
    $h = { 68 74 74 70 [0-3] 3A 2F 2F }
  condition:
    any of ($p*) or $h
}

rule alternatives {
  strings:
    $a = { 4D ( 5A | 5B 3? ) 00 }
  condition:
    none of them and false or all of them
}
`

func names(ms []Match) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Rule)
	}
	return out
}

func TestMatch(t *testing.T) {
	rs, err := Compile(testRules)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"eval_b64", "mz", "wide_marker", "many_exec", "tiny", "combo", "any_of", "alternatives"}
	if got := rs.Identifiers(); !cmp.Equal(got, want) {
		t.Fatal(cmp.Diff(got, want))
	}

	tt := []struct {
		Name string
		Data string
		Want []string
	}{
		{
			Name: "NocaseAndRegexp",
			Data: "x = EVAL(base64.B64Decode(s))",
			Want: []string{"eval_b64", "combo"},
		},
		{
			Name: "HexWildcard",
			Data: "MZ\x90\x00rest",
			Want: []string{"mz"},
		},
		{
			Name: "Wide",
			Data: "e\x00v\x00i\x00l\x00",
			Want: []string{"wide_marker"},
		},
		{
			Name: "WideOnly",
			Data: "evil",
			Want: nil,
		},
		{
			Name: "Fullword",
			Data: "exec(a); exec(b); executor",
			Want: []string{"many_exec"},
		},
		{
			Name: "FullwordCount",
			Data: "exec(a); executor; reexec",
			Want: nil,
		},
		{
			Name: "Filesize",
			Data: "hi",
			Want: []string{"tiny"},
		},
		{
			Name: "HexJump",
			Data: "see http://example.com",
			Want: []string{"any_of"},
		},
		{
			Name: "HexJumpTooLong",
			Data: "http-s-x://",
			Want: nil,
		},
		{
			Name: "StringSet",
			Data: "import subprocess",
			Want: []string{"any_of"},
		},
		{
			Name: "HexAlternative",
			Data: "xM[1\x00",
			Want: []string{"alternatives"},
		},
		{
			Name: "RuleReference",
			Data: "eval(b64decode()) MZ\x01\x00",
			Want: []string{"eval_b64", "mz"},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got := names(rs.Match([]byte(tc.Data)))
			if !cmp.Equal(got, tc.Want, cmpopts.EquateEmpty()) {
				t.Error(cmp.Diff(got, tc.Want, cmpopts.EquateEmpty()))
			}
		})
	}
}

func TestMatchMetadata(t *testing.T) {
	rs, err := Compile(testRules)
	if err != nil {
		t.Fatal(err)
	}
	got := rs.Match([]byte("eval(b64decode(x))"))
	want := []Match{
		{
			Rule: "eval_b64",
			Tags: []string{"suspicious"},
			Meta: []Meta{
				{Key: "weight", Value: int64(5)},
				{Key: "description", Value: "base64 eval"},
			},
			Weight: 5,
		},
		{Rule: "combo"},
	}
	if !cmp.Equal(got, want, cmpopts.EquateEmpty()) {
		t.Error(cmp.Diff(got, want, cmpopts.EquateEmpty()))
	}
}

func TestMatchConcurrent(t *testing.T) {
	rs, err := Compile(testRules)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte(strings.Repeat("exec() ", 64))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 16 {
				if got := names(rs.Match(data)); !cmp.Equal(got, []string{"many_exec"}) {
					t.Errorf("unexpected matches: %v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestCompileError(t *testing.T) {
	tt := []struct {
		Name string
		Src  string
		Line int
	}{
		{Name: "EmptyCondition", Src: "rule a { condition: }", Line: 1},
		{Name: "EmptyString", Src: "rule a {\n strings:\n  $x = \"\"\n condition: $x }", Line: 3},
		{Name: "DuplicateRule", Src: "rule a { condition: true }\nrule a { condition: false }", Line: 2},
		{Name: "DuplicateString", Src: "rule a { strings: $x = \"a\" $x = \"b\" condition: $x }", Line: 1},
		{Name: "Private", Src: "private rule a { condition: true }", Line: 1},
		{Name: "Import", Src: "import \"pe\"\n", Line: 1},
		{Name: "BadRegexp", Src: "rule a {\n strings:\n  $x = /(/\n condition: $x }", Line: 3},
		{Name: "OddHex", Src: "rule a { strings: $x = { 4D 5 } condition: $x }", Line: 1},
		{Name: "HexJumpAtEdge", Src: "rule a { strings: $x = { [2] 4D } condition: $x }", Line: 1},
		{Name: "HexJumpTooLarge", Src: "rule a { strings: $x = { 4D [0-70000] 5A } condition: $x }", Line: 1},
		{Name: "HexModifier", Src: "rule a { strings: $x = { 4D } nocase condition: $x }", Line: 1},
		{Name: "UndefinedString", Src: "rule a {\n strings: $x = \"a\"\n condition:\n  $y\n}", Line: 4},
		{Name: "UndefinedRule", Src: "rule a { condition: b }\nrule b { condition: true }", Line: 1},
		{Name: "Quantifier", Src: "rule a { strings: $x = \"a\" condition: 2 of them }", Line: 1},
		{Name: "Weight", Src: "rule a {\n meta: weight = \"high\"\n condition: true }", Line: 1},
		{Name: "Unterminated", Src: "rule a { strings: $x = \"abc\n condition: $x }", Line: 1},
		{Name: "ReservedName", Src: "rule them { condition: true }", Line: 1},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			rs, err := Compile(tc.Src)
			t.Log(err)
			if rs != nil {
				t.Error("returned a ruleset alongside an error")
			}
			if !errors.Is(err, dragonfly.ErrRuleCompilation) {
				t.Fatalf("unexpected error: %v", err)
			}
			var synErr *SyntaxError
			if !errors.As(err, &synErr) {
				t.Fatalf("no syntax error in chain: %v", err)
			}
			if got, want := synErr.Line, tc.Line; got != want {
				t.Errorf("line: got: %d, want: %d", got, want)
			}
		})
	}
}

func TestParseHex(t *testing.T) {
	elems, err := parseHex("4? [1-] ( 00 | 01 02 ) ?F")
	if err != nil {
		t.Fatal(err)
	}
	want := []hexElem{
		{kind: hexByte, val: 0x40, mask: 0xF0},
		{kind: hexJump, min: 1, max: -1},
		{kind: hexAlt, alts: [][]hexElem{
			{{kind: hexByte, val: 0x00, mask: 0xFF}},
			{{kind: hexByte, val: 0x01, mask: 0xFF}, {kind: hexByte, val: 0x02, mask: 0xFF}},
		}},
		{kind: hexByte, val: 0x0F, mask: 0x0F},
	}
	if !cmp.Equal(elems, want, cmp.AllowUnexported(hexElem{})) {
		t.Error(cmp.Diff(elems, want, cmp.AllowUnexported(hexElem{})))
	}
}

// BacktrackHex reports whether "elems" match at "pos" by trying every jump
// length and alternative. It's exponential, but obviously right.
func backtrackHex(elems []hexElem, data []byte, pos int) bool {
	for i, e := range elems {
		switch e.kind {
		case hexByte:
			if pos >= len(data) || data[pos]&e.mask != e.val {
				return false
			}
			pos++
		case hexJump:
			hi := len(data) - pos
			if e.max >= 0 && e.max < hi {
				hi = e.max
			}
			for j := e.min; j <= hi; j++ {
				if backtrackHex(elems[i+1:], data, pos+j) {
					return true
				}
			}
			return false
		case hexAlt:
			for _, a := range e.alts {
				seq := append(slices.Clone(a), elems[i+1:]...)
				if backtrackHex(seq, data, pos) {
					return true
				}
			}
			return false
		}
	}
	return true
}

func TestHexCount(t *testing.T) {
	patterns := []string{
		"41 42",
		"41 [-] 42",
		"41 [0] 42",
		"41 [1-3] 42 ?3",
		"41 ( 42 | 43 [0-2] 44 ) 41",
		"4? [2] ( 41 ( 42 | 43 ) | 44 ) [0-] 43",
		"( 41 | 42 [1-] 43 ) 44",
		"41 ( 42 | ( 43 | 44 44 ) ) ( 41 | 42 )",
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for _, p := range patterns {
		elems, err := parseHex(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		h := newHexString(elems)
		for range 100 {
			data := make([]byte, rng.IntN(64))
			for i := range data {
				data[i] = 'A' + byte(rng.IntN(4))
			}
			want := 0
			for pos := range data {
				if backtrackHex(elems, data, pos) {
					want++
				}
			}
			if got := h.count(&buffer{data: data}, maxMatches); got != want {
				t.Errorf("{ %s } in %q: got: %d, want: %d", p, data, got, want)
			}
			if got, want := h.count(&buffer{data: data}, 1), min(want, 1); got != want {
				t.Errorf("{ %s } in %q: limited: got: %d, want: %d", p, data, got, want)
			}
		}
	}
}

func TestHexLinear(t *testing.T) {
	const size = 8 << 20
	rs, err := Compile(`
rule unbounded { strings: $a = { 41 [-] 42 } condition: $a }
rule unbounded_count { strings: $a = { 41 [-] 42 } condition: #a == 1048576 }
rule bounded { strings: $a = { 41 [0-60000] ( 42 | 43 [-] 44 ) } condition: $a }
`)
	if err != nil {
		t.Fatal(err)
	}
	tt := []struct {
		Name string
		Data []byte
		Want []string
	}{
		{
			Name: "NoMatch",
			Data: bytes.Repeat([]byte{'A'}, size),
		},
		{
			Name: "MatchAtEnd",
			Data: append(bytes.Repeat([]byte{'A'}, size), 'B'),
			Want: []string{"unbounded", "unbounded_count", "bounded"},
		},
		{
			Name: "Unterminated",
			Data: append([]byte{'D'}, bytes.Repeat([]byte("AC"), size/2)...),
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			ms, err := rs.MatchContext(ctx, tc.Data)
			if err != nil {
				t.Fatalf("matching %d bytes: %v", len(tc.Data), err)
			}
			if got := names(ms); !cmp.Equal(got, tc.Want, cmpopts.EquateEmpty()) {
				t.Error(cmp.Diff(got, tc.Want, cmpopts.EquateEmpty()))
			}
		})
	}
}

func TestMatchCanceled(t *testing.T) {
	rs, err := Compile(testRules)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ms, err := rs.MatchContext(ctx, []byte("eval(b64decode(x))"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if ms != nil {
		t.Errorf("unexpected matches: %v", ms)
	}
}
