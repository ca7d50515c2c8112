// Package filter holds the linguistic quality filter applied to transformed
// sentences. The real model-backed filter lives outside this repository; the
// heuristic here stands in behind the same interface.
package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/siftlabs/sift/internal/types"
)

// Filter accepts a subset of candidate sentences. Implementations must be
// pure: no side effects, same input gives same output.
type Filter interface {
	Filter(sentences []types.Sentence) []types.Sentence
}

// Func adapts a plain function to the Filter interface.
type Func func([]types.Sentence) []types.Sentence

func (f Func) Filter(s []types.Sentence) []types.Sentence { return f(s) }

// Heuristic is a rule-based quality filter: sentences must have a normalized
// form within length bounds that contains at least one letter.
type Heuristic struct {
	MinRunes int
	MaxRunes int
}

// NewHeuristic creates a heuristic filter with defaults for zero bounds.
func NewHeuristic(minRunes, maxRunes int) Heuristic {
	if minRunes <= 0 {
		minRunes = 3
	}
	if maxRunes <= 0 {
		maxRunes = 500
	}
	return Heuristic{MinRunes: minRunes, MaxRunes: maxRunes}
}

// Filter returns the accepted subset, preserving input order.
func (h Heuristic) Filter(sentences []types.Sentence) []types.Sentence {
	accepted := make([]types.Sentence, 0, len(sentences))
	for _, s := range sentences {
		if h.accepts(s) {
			accepted = append(accepted, s)
		}
	}
	return accepted
}

func (h Heuristic) accepts(s types.Sentence) bool {
	normalized := strings.TrimSpace(s.Normalized)
	if normalized == "" {
		return false
	}
	n := utf8.RuneCountInString(normalized)
	if n < h.MinRunes || n > h.MaxRunes {
		return false
	}
	for _, r := range normalized {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

var _ Filter = Heuristic{}
