// Package predictor defines the reward-predictor ensemble boundary used by the
// query engine and the training coordinator.
package predictor

import (
	"context"

	"drlhp/internal/model"
)

type Pair struct {
	A model.Segment
	B model.Segment
}

// Ensemble is a set of reward models that each estimate which segment of a
// pair is preferred.
type Ensemble interface {
	// Members reports the ensemble size.
	Members() int
	// Predict returns estimates shaped [member][pair][2]; each inner pair
	// holds P(A preferred) and P(B preferred) and sums to 1.
	Predict(ctx context.Context, pairs []Pair) ([][][2]float64, error)
	// Train runs one epoch over train, evaluating on val every valInterval batches.
	Train(ctx context.Context, train, val []model.Triple, valInterval int) error
	// Save writes a checkpoint and returns its path.
	Save(ctx context.Context) (string, error)
	Load(ctx context.Context, path string) error
}

// Rewarder scores a segment with the ensemble's mean predicted return.
type Rewarder interface {
	PredictReturn(seg model.Segment) float64
}
