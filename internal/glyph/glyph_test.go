package glyph

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableHasFiveDisjointRings(t *testing.T) {
	seen := make(map[Symbol]Ring)
	for _, ring := range Rings() {
		members := Members(ring)
		require.Len(t, members, 5, "ring %s", ring)
		for _, s := range members {
			prev, dup := seen[s]
			require.False(t, dup, "symbol %s in %s and %s", s, prev, ring)
			seen[s] = ring
		}
	}
	assert.Equal(t, 25, Size())
}

func TestSuccessorsStayInsideRing(t *testing.T) {
	for _, ring := range Rings() {
		for _, s := range Members(ring) {
			succ := Successors(s)
			require.NotEmpty(t, succ)
			assert.LessOrEqual(t, len(succ), 2)
			for _, n := range succ {
				g, ok := Lookup(n)
				require.True(t, ok)
				assert.Equal(t, ring, g.Ring)
			}
		}
	}
}

func TestHashRingTransitions(t *testing.T) {
	g, ok := Lookup('ℍ')
	require.True(t, ok)
	assert.True(t, g.AllowsSuccessor('ℎ'))
	assert.True(t, g.AllowsSuccessor('∑'))
	assert.False(t, g.AllowsSuccessor('⑂'))

	numeral, ok := Lookup('⑤')
	require.True(t, ok)
	assert.Equal(t, []Symbol{'①'}, numeral.Successors)
}

func TestWhitelistMatchesTable(t *testing.T) {
	wl := Whitelist()
	assert.Equal(t, Size(), utf8.RuneCountInString(wl))
	for _, r := range wl {
		assert.True(t, IsApproved(Symbol(r)), "whitelist rune %q", r)
	}
}

func TestParseSequence(t *testing.T) {
	seq, err := ParseSequence([]string{"←", "↑", "→"})
	require.NoError(t, err)
	assert.Equal(t, []Symbol{'←', '↑', '→'}, seq)
	assert.Equal(t, []string{"←", "↑", "→"}, Strings(seq))

	_, err = ParseSequence([]string{"←", "A"})
	assert.Error(t, err)

	_, err = ParseSequence([]string{"←↑"})
	assert.Error(t, err)
}

func TestSymbolTextEncoding(t *testing.T) {
	raw, err := Symbol('∑').MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "∑", string(raw))

	var s Symbol
	require.NoError(t, s.UnmarshalText([]byte("⌂")))
	assert.Equal(t, Symbol('⌂'), s)
	assert.Error(t, s.UnmarshalText([]byte("x")))
}
