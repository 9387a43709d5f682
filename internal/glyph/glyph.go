package glyph

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Symbol is a single code point of the approved alphabet.
type Symbol rune

// String returns the UTF-8 form of the symbol.
func (s Symbol) String() string {
	return string(rune(s))
}

// MarshalText encodes the symbol as its character, not its code point number.
func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a single approved character.
func (s *Symbol) UnmarshalText(text []byte) error {
	parsed, err := ParseSymbol(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Ring identifies one of the five symbol rings.
type Ring string

const (
	RingHash      Ring = "hash"
	RingArrow     Ring = "arrow"
	RingLogic     Ring = "logic"
	RingTechnical Ring = "technical"
	RingNumeral   Ring = "numeral"
)

// AspectRange bounds the width/height ratio of a rendered symbol's ink.
type AspectRange struct {
	Min float64
	Max float64
}

// Contains reports whether ratio lies within the closed range.
func (a AspectRange) Contains(ratio float64) bool {
	return ratio >= a.Min && ratio <= a.Max
}

// Glyph is one row of the alphabet table.
type Glyph struct {
	Symbol     Symbol
	Ring       Ring
	Successors []Symbol
	// Aspect is nil when no proportion rule applies.
	Aspect *AspectRange
	// Symmetric marks glyphs expected to mirror about the vertical axis.
	Symmetric bool
}

// AllowsSuccessor reports whether next may follow g in a sequence.
func (g Glyph) AllowsSuccessor(next Symbol) bool {
	for _, s := range g.Successors {
		if s == next {
			return true
		}
	}
	return false
}

var (
	table     map[Symbol]Glyph
	ringOrder map[Ring][]Symbol
	rings     = []Ring{RingHash, RingArrow, RingLogic, RingTechnical, RingNumeral}
	whitelist string
)

func init() {
	twoStep := func(ring Ring, members []rune) {
		for i, r := range members {
			next := members[(i+1)%len(members)]
			skip := members[(i+2)%len(members)]
			add(Glyph{Symbol: Symbol(r), Ring: ring, Successors: []Symbol{Symbol(next), Symbol(skip)}})
		}
	}
	oneStep := func(ring Ring, members []rune) {
		for i, r := range members {
			add(Glyph{Symbol: Symbol(r), Ring: ring, Successors: []Symbol{Symbol(members[(i+1)%len(members)])}})
		}
	}

	table = make(map[Symbol]Glyph, 25)
	ringOrder = make(map[Ring][]Symbol, len(rings))

	twoStep(RingHash, []rune{'ℍ', 'ℎ', '∑', '⑂', '⑃'})
	twoStep(RingArrow, []rune{'←', '↑', '→', '↓', '↔'})
	twoStep(RingLogic, []rune{'∀', '∁', '∂', '∃', '∄'})
	twoStep(RingTechnical, []rune{'⌀', '⌁', '⌂', '⌃', '⌄'})
	oneStep(RingNumeral, []rune{'①', '②', '③', '④', '⑤'})

	shape('←', &AspectRange{Min: 1.5, Max: 2.5}, false)
	shape('↑', &AspectRange{Min: 0.4, Max: 0.6}, true)
	shape('∀', &AspectRange{Min: 0.8, Max: 1.2}, true)
	shape('↓', nil, true)
	shape('↔', nil, true)
	shape('⌂', nil, true)
	shape('⌃', nil, true)
	shape('⌄', nil, true)

	var b strings.Builder
	for _, ring := range rings {
		for _, s := range ringOrder[ring] {
			b.WriteRune(rune(s))
		}
	}
	whitelist = b.String()
}

func add(g Glyph) {
	table[g.Symbol] = g
	ringOrder[g.Ring] = append(ringOrder[g.Ring], g.Symbol)
}

func shape(r rune, aspect *AspectRange, symmetric bool) {
	g := table[Symbol(r)]
	g.Aspect = aspect
	g.Symmetric = symmetric
	table[Symbol(r)] = g
}

// Lookup returns the table row for s.
func Lookup(s Symbol) (Glyph, bool) {
	g, ok := table[s]
	return g, ok
}

// IsApproved reports whether s belongs to the approved alphabet.
func IsApproved(s Symbol) bool {
	_, ok := table[s]
	return ok
}

// Successors returns the symbols allowed to follow s, or nil for unknown symbols.
func Successors(s Symbol) []Symbol {
	g, ok := table[s]
	if !ok {
		return nil
	}
	out := make([]Symbol, len(g.Successors))
	copy(out, g.Successors)
	return out
}

// Rings lists the ring identifiers in canonical order.
func Rings() []Ring {
	out := make([]Ring, len(rings))
	copy(out, rings)
	return out
}

// Members returns the symbols of ring in rotation order.
func Members(ring Ring) []Symbol {
	members := ringOrder[ring]
	out := make([]Symbol, len(members))
	copy(out, members)
	return out
}

// Whitelist is the OCR character whitelist built from the table.
func Whitelist() string {
	return whitelist
}

// Size is the number of approved symbols.
func Size() int {
	return len(table)
}

// ParseSymbol converts a single-code-point string into an approved Symbol.
func ParseSymbol(text string) (Symbol, error) {
	if utf8.RuneCountInString(text) != 1 {
		return 0, fmt.Errorf("symbol %q: expected exactly one code point", text)
	}
	r, _ := utf8.DecodeRuneInString(text)
	s := Symbol(r)
	if !IsApproved(s) {
		return 0, fmt.Errorf("symbol %q: not in approved alphabet", text)
	}
	return s, nil
}

// ParseSequence converts strings into symbols, failing on the first unapproved entry.
func ParseSequence(values []string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(values))
	for i, v := range values {
		s, err := ParseSymbol(v)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Strings renders a sequence as one string per symbol.
func Strings(seq []Symbol) []string {
	out := make([]string, len(seq))
	for i, s := range seq {
		out[i] = s.String()
	}
	return out
}
