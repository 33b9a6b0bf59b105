package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"drlhp/internal/logging"
	"drlhp/internal/model"
)

type LinearConfig struct {
	Members       int
	LearningRate  float64
	L2            float64
	BatchSize     int
	CheckpointDir string
	Seed          int64
}

func (c LinearConfig) normalized() LinearConfig {
	if c.Members <= 0 {
		c.Members = 3
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	if c.L2 < 0 {
		c.L2 = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	return c
}

// LinearEnsemble scores each frame with a per-member linear function of its
// observation and action, and turns segment returns into preference
// probabilities with a Bradley-Terry model. Members are trained on bootstrap
// resamples of the training split so they disagree where data is thin.
type LinearEnsemble struct {
	cfg    LinearConfig
	logger *slog.Logger

	mu      sync.RWMutex
	rng     *rand.Rand
	weights *mat.Dense // members x features; nil until the feature width is known
	steps   int

	lastValAccuracy float64
}

func NewLinearEnsemble(cfg LinearConfig, logger *slog.Logger) *LinearEnsemble {
	cfg = cfg.normalized()
	return &LinearEnsemble{
		cfg:    cfg,
		logger: logging.Component(logger, "predictor"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (e *LinearEnsemble) Members() int {
	return e.cfg.Members
}

func (e *LinearEnsemble) ValAccuracy() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastValAccuracy
}

// segmentFeatures sums the per-frame feature vectors of seg.
func segmentFeatures(seg model.Segment) []float64 {
	var out []float64
	for _, frame := range seg.Frames {
		width := len(frame.Observation) + len(frame.Action)
		if out == nil {
			out = make([]float64, width)
		}
		if width != len(out) {
			continue
		}
		floats.Add(out[:len(frame.Observation)], frame.Observation)
		floats.Add(out[len(frame.Observation):], frame.Action)
	}
	return out
}

// ensureWeights must be called with mu held for writing.
func (e *LinearEnsemble) ensureWeights(width int) error {
	if e.weights != nil {
		if _, c := e.weights.Dims(); c != width {
			return fmt.Errorf("feature width %d does not match model width %d", width, c)
		}
		return nil
	}
	if width == 0 {
		return errors.New("segments carry no features")
	}
	data := make([]float64, e.cfg.Members*width)
	for i := range data {
		data[i] = e.rng.NormFloat64() * 0.1
	}
	e.weights = mat.NewDense(e.cfg.Members, width, data)
	return nil
}

func (e *LinearEnsemble) Predict(ctx context.Context, pairs []Pair) ([][][2]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][][2]float64, e.cfg.Members)
	for m := range out {
		out[m] = make([][2]float64, len(pairs))
	}
	if len(pairs) == 0 {
		return out, nil
	}

	width := len(segmentFeatures(pairs[0].A))
	e.mu.Lock()
	if err := e.ensureWeights(width); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	weights := mat.DenseCopyOf(e.weights)
	e.mu.Unlock()

	// Column p holds features(A_p) - features(B_p).
	diff := mat.NewDense(width, len(pairs), nil)
	for p, pair := range pairs {
		fa, fb := segmentFeatures(pair.A), segmentFeatures(pair.B)
		if len(fa) != width || len(fb) != width {
			return nil, fmt.Errorf("pair %d: feature width mismatch", p)
		}
		floats.Sub(fa, fb)
		diff.SetCol(p, fa)
	}

	var logits mat.Dense
	logits.Mul(weights, diff)
	for m := 0; m < e.cfg.Members; m++ {
		for p := range pairs {
			pa := sigmoid(logits.At(m, p))
			out[m][p] = [2]float64{pa, 1 - pa}
		}
	}
	return out, nil
}

func (e *LinearEnsemble) PredictReturn(seg model.Segment) float64 {
	features := segmentFeatures(seg)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.weights == nil {
		return 0
	}
	if _, c := e.weights.Dims(); c != len(features) {
		return 0
	}
	total := 0.0
	for m := 0; m < e.cfg.Members; m++ {
		total += floats.Dot(e.weights.RawRowView(m), features)
	}
	return total / float64(e.cfg.Members)
}

func (e *LinearEnsemble) Train(ctx context.Context, train, val []model.Triple, valInterval int) error {
	if len(train) == 0 {
		return errors.New("training split is empty")
	}
	width := len(segmentFeatures(train[0].A))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureWeights(width); err != nil {
		return err
	}

	batches := (len(train) + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	grad := make([]float64, width)
	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for m := 0; m < e.cfg.Members; m++ {
			row := e.weights.RawRowView(m)
			for i := range grad {
				grad[i] = 0
			}
			for n := 0; n < e.cfg.BatchSize; n++ {
				t := train[e.rng.Intn(len(train))]
				fa, fb := segmentFeatures(t.A), segmentFeatures(t.B)
				if len(fa) != width || len(fb) != width {
					continue
				}
				floats.Sub(fa, fb)
				pa := sigmoid(floats.Dot(row, fa))
				floats.AddScaled(grad, pa-t.Label.Mu()[0], fa)
			}
			floats.Scale(1/float64(e.cfg.BatchSize), grad)
			floats.AddScaled(grad, e.cfg.L2, row)
			floats.AddScaled(row, -e.cfg.LearningRate, grad)
		}
		e.steps++
		if valInterval > 0 && len(val) > 0 && e.steps%valInterval == 0 {
			e.lastValAccuracy = e.accuracyLocked(val, width)
			e.logger.Debug("validation", slog.Int("step", e.steps), slog.Float64("accuracy", e.lastValAccuracy))
		}
	}
	return nil
}

// accuracyLocked scores the ensemble-mean prediction against non-equal labels.
func (e *LinearEnsemble) accuracyLocked(val []model.Triple, width int) float64 {
	correct, total := 0, 0
	for _, t := range val {
		if t.Label == model.LabelEqual {
			continue
		}
		fa, fb := segmentFeatures(t.A), segmentFeatures(t.B)
		if len(fa) != width || len(fb) != width {
			continue
		}
		floats.Sub(fa, fb)
		mean := 0.0
		for m := 0; m < e.cfg.Members; m++ {
			mean += sigmoid(floats.Dot(e.weights.RawRowView(m), fa))
		}
		mean /= float64(e.cfg.Members)
		if (mean > 0.5) == (t.Label == model.LabelPrefersA) {
			correct++
		}
		total++
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

type linearCheckpoint struct {
	Members int         `json:"members"`
	Width   int         `json:"width"`
	Steps   int         `json:"steps"`
	Weights [][]float64 `json:"weights"`
}

func (e *LinearEnsemble) Save(_ context.Context) (string, error) {
	e.mu.RLock()
	ckpt := linearCheckpoint{Members: e.cfg.Members, Steps: e.steps}
	if e.weights != nil {
		_, ckpt.Width = e.weights.Dims()
		for m := 0; m < e.cfg.Members; m++ {
			ckpt.Weights = append(ckpt.Weights, append([]float64(nil), e.weights.RawRowView(m)...))
		}
	}
	e.mu.RUnlock()

	if e.cfg.CheckpointDir == "" {
		return "", errors.New("checkpoint dir is required")
	}
	if err := os.MkdirAll(e.cfg.CheckpointDir, 0o755); err != nil {
		return "", err
	}
	payload, err := json.Marshal(ckpt)
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.CheckpointDir, fmt.Sprintf("reward_model-%d.json", ckpt.Steps))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *LinearEnsemble) Load(_ context.Context, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ckpt linearCheckpoint
	if err := json.Unmarshal(payload, &ckpt); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ckpt.Members != e.cfg.Members {
		return fmt.Errorf("checkpoint has %d members, ensemble has %d", ckpt.Members, e.cfg.Members)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = ckpt.Steps
	if ckpt.Width == 0 {
		e.weights = nil
		return nil
	}
	weights := mat.NewDense(ckpt.Members, ckpt.Width, nil)
	for m, row := range ckpt.Weights {
		if len(row) != ckpt.Width {
			return fmt.Errorf("checkpoint row %d has width %d, want %d", m, len(row), ckpt.Width)
		}
		weights.SetRow(m, row)
	}
	e.weights = weights
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
