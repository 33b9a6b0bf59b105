package predictor

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"drlhp/internal/model"
)

// randomSegment draws a segment whose true reward is the first observation.
func randomSegment(rng *rand.Rand, frames int) model.Segment {
	seg := model.Segment{Frames: make([]model.Frame, frames)}
	for i := range seg.Frames {
		x := rng.Float64()*2 - 1
		seg.Frames[i] = model.Frame{Observation: []float64{x, rng.Float64()}, Reward: x}
	}
	return seg
}

func labelByReturn(a, b model.Segment) model.Label {
	if a.TrueReturn() > b.TrueReturn() {
		return model.LabelPrefersA
	}
	return model.LabelPrefersB
}

func TestLinearEnsemblePredictShapeAndNormalization(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ens := NewLinearEnsemble(LinearConfig{Members: 4, Seed: 2}, nil)

	pairs := make([]Pair, 6)
	for i := range pairs {
		pairs[i] = Pair{A: randomSegment(rng, 5), B: randomSegment(rng, 5)}
	}
	preds, err := ens.Predict(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, preds, 4)
	for _, member := range preds {
		require.Len(t, member, len(pairs))
		for _, p := range member {
			require.InDelta(t, 1.0, p[0]+p[1], 1e-12)
			require.GreaterOrEqual(t, p[0], 0.0)
			require.LessOrEqual(t, p[0], 1.0)
		}
	}
}

func TestLinearEnsembleLearnsRewardDirection(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var train, val []model.Triple
	for i := 0; i < 300; i++ {
		a, b := randomSegment(rng, 4), randomSegment(rng, 4)
		tr := model.Triple{A: a, B: b, Label: labelByReturn(a, b)}
		if i%5 == 0 {
			val = append(val, tr)
		} else {
			train = append(train, tr)
		}
	}

	ens := NewLinearEnsemble(LinearConfig{Members: 3, LearningRate: 0.2, Seed: 9}, nil)
	for epoch := 0; epoch < 20; epoch++ {
		require.NoError(t, ens.Train(context.Background(), train, val, 1))
	}
	require.Greater(t, ens.ValAccuracy(), 0.85)

	good := model.Segment{Frames: []model.Frame{{Observation: []float64{0.9, 0.5}}, {Observation: []float64{0.9, 0.5}}}}
	bad := model.Segment{Frames: []model.Frame{{Observation: []float64{-0.9, 0.5}}, {Observation: []float64{-0.9, 0.5}}}}
	require.Greater(t, ens.PredictReturn(good), ens.PredictReturn(bad))
}

func TestLinearEnsembleCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))
	ens := NewLinearEnsemble(LinearConfig{Members: 2, CheckpointDir: dir, Seed: 4}, nil)

	a, b := randomSegment(rng, 3), randomSegment(rng, 3)
	train := []model.Triple{{A: a, B: b, Label: labelByReturn(a, b)}}
	require.NoError(t, ens.Train(context.Background(), train, nil, 0))

	path, err := ens.Save(context.Background())
	require.NoError(t, err)

	restored := NewLinearEnsemble(LinearConfig{Members: 2, CheckpointDir: dir, Seed: 99}, nil)
	require.NoError(t, restored.Load(context.Background(), path))

	pairs := []Pair{{A: a, B: b}}
	want, err := ens.Predict(context.Background(), pairs)
	require.NoError(t, err)
	got, err := restored.Predict(context.Background(), pairs)
	require.NoError(t, err)
	for m := range want {
		require.InDelta(t, want[m][0][0], got[m][0][0], 1e-12)
	}
}

func TestLinearEnsembleLoadRejectsMemberMismatch(t *testing.T) {
	dir := t.TempDir()
	ens := NewLinearEnsemble(LinearConfig{Members: 2, CheckpointDir: dir}, nil)
	path, err := ens.Save(context.Background())
	require.NoError(t, err)

	other := NewLinearEnsemble(LinearConfig{Members: 3, CheckpointDir: dir}, nil)
	require.Error(t, other.Load(context.Background(), path))
}

func TestLinearEnsembleTrainEmpty(t *testing.T) {
	ens := NewLinearEnsemble(LinearConfig{}, nil)
	require.Error(t, ens.Train(context.Background(), nil, nil, 1))
}

func TestSigmoidSymmetry(t *testing.T) {
	for _, x := range []float64{-3, -0.5, 0, 0.5, 3} {
		require.InDelta(t, 1.0, sigmoid(x)+sigmoid(-x), 1e-12)
	}
	require.False(t, math.IsNaN(sigmoid(0)))
}
