// Package query picks the most informative segment pair to show the oracle by
// maximizing reward-ensemble disagreement.
package query

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrShapeMismatch reports predictor output that does not match the
// requested (members, pairs, 2) shape.
var ErrShapeMismatch = errors.New("predictor output shape mismatch")

// Pair identifies two segments by pool index, with I < J.
type Pair struct {
	I int
	J int
}

func NewPair(a, b int) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{I: a, J: b}
}

// TestedPairs remembers every pair already sent to the oracle.
type TestedPairs struct {
	seen map[Pair]struct{}
}

func NewTestedPairs() *TestedPairs {
	return &TestedPairs{seen: make(map[Pair]struct{})}
}

func (t *TestedPairs) Add(p Pair) {
	t.seen[NewPair(p.I, p.J)] = struct{}{}
}

func (t *TestedPairs) Has(p Pair) bool {
	_, ok := t.seen[NewPair(p.I, p.J)]
	return ok
}

func (t *TestedPairs) Len() int {
	return len(t.seen)
}

// Candidates returns every unordered pair of idxs, in iteration order, that
// has not been tested yet.
func Candidates(idxs []int, tested *TestedPairs) []Pair {
	out := make([]Pair, 0, len(idxs)*(len(idxs)-1)/2+1)
	for a := 0; a < len(idxs); a++ {
		for b := a + 1; b < len(idxs); b++ {
			p := NewPair(idxs[a], idxs[b])
			if p.I == p.J || (tested != nil && tested.Has(p)) {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// Disagreement returns, per pair, the population variance across members of
// P(A preferred). Variance of the complement is identical, so one side is enough.
func Disagreement(preds [][][2]float64, members, pairs int) ([]float64, error) {
	if len(preds) != members {
		return nil, fmt.Errorf("%w: got %d members, want %d", ErrShapeMismatch, len(preds), members)
	}
	for m, member := range preds {
		if len(member) != pairs {
			return nil, fmt.Errorf("%w: member %d has %d pairs, want %d", ErrShapeMismatch, m, len(member), pairs)
		}
	}

	vars := make([]float64, pairs)
	column := make([]float64, members)
	for p := 0; p < pairs; p++ {
		for m := 0; m < members; m++ {
			column[m] = preds[m][p][0]
		}
		vars[p] = stat.PopVariance(column, nil)
	}
	return vars, nil
}

// MostUncertain returns the index of the highest-variance pair. Ties resolve to
// the first occurrence.
func MostUncertain(preds [][][2]float64, members, pairs int) (int, float64, error) {
	if pairs == 0 {
		return -1, 0, errors.New("no candidate pairs")
	}
	vars, err := Disagreement(preds, members, pairs)
	if err != nil {
		return -1, 0, err
	}
	best := floats.MaxIdx(vars)
	return best, vars[best], nil
}
