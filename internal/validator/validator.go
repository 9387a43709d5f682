package validator

import (
	"errors"
	"fmt"

	"github.com/example/qrggif/internal/glyph"
)

const (
	MinSequenceLength = 3
	MaxSequenceLength = 8
)

// ErrSequenceLength is returned for sequences outside [3, 8].
var ErrSequenceLength = errors.New("validator: sequence length out of range")

// TransitionError pinpoints the first adjacent pair not allowed by the table.
type TransitionError struct {
	Position int
	From     glyph.Symbol
	To       glyph.Symbol
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("validator: %s -> %s not allowed at position %d", e.From, e.To, e.Position)
}

// Check returns nil when seq has an allowed length and every adjacent pair
// follows the transition table.
func Check(seq []glyph.Symbol) error {
	if len(seq) < MinSequenceLength || len(seq) > MaxSequenceLength {
		return fmt.Errorf("%w: got %d symbols", ErrSequenceLength, len(seq))
	}
	for i := 0; i < len(seq)-1; i++ {
		g, ok := glyph.Lookup(seq[i])
		if !ok || !g.AllowsSuccessor(seq[i+1]) {
			return &TransitionError{Position: i, From: seq[i], To: seq[i+1]}
		}
	}
	return nil
}

// Validate reports whether seq is a genuine ring rotation.
func Validate(seq []glyph.Symbol) bool {
	return Check(seq) == nil
}
