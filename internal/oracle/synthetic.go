package oracle

import (
	"context"
	"math"

	"drlhp/internal/model"
)

// Synthetic prefers the segment with the larger environment return.
type Synthetic struct {
	tolerance float64
}

func NewSynthetic(tolerance float64) *Synthetic {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Synthetic{tolerance: tolerance}
}

func (s *Synthetic) Judge(ctx context.Context, a, b model.Segment) (model.Label, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(a.Frames) == 0 || len(b.Frames) == 0 {
		return model.LabelDrop, nil
	}
	ra, rb := a.TrueReturn(), b.TrueReturn()
	switch {
	case math.IsNaN(ra) || math.IsNaN(rb):
		return model.LabelDrop, nil
	case math.Abs(ra-rb) <= s.tolerance:
		return model.LabelEqual, nil
	case ra > rb:
		return model.LabelPrefersA, nil
	default:
		return model.LabelPrefersB, nil
	}
}
