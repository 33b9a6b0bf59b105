// Package rollout produces trajectory segments from a cart-pole policy. It
// stands in for the policy trainer: it explores from the start, and once
// signalled it improves its policy against the configured reward.
package rollout

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"

	"drlhp/internal/logging"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/predictor"
)

type Config struct {
	SegmentLength    int
	EpisodeSteps     int
	ExplorationNoise float64
	// TuneEvery is the number of emitted segments between policy updates.
	TuneEvery    int
	TuneAttempts int
	// MaxSegments stops the generator after that many segments; zero runs until cancelled.
	MaxSegments int
	Seed        int64
}

func (c Config) normalized() Config {
	if c.SegmentLength <= 0 {
		c.SegmentLength = 25
	}
	if c.EpisodeSteps <= 0 {
		c.EpisodeSteps = 60
	}
	if c.ExplorationNoise < 0 {
		c.ExplorationNoise = 0
	}
	if c.TuneEvery <= 0 {
		c.TuneEvery = 10
	}
	if c.TuneAttempts <= 0 {
		c.TuneAttempts = 3
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

type Deps struct {
	Segments chan<- model.Segment
	// Start delivers the one-shot signal that enables policy updates.
	Start <-chan bool
	// Rewarder scores segments for policy updates; nil uses the environment reward.
	Rewarder predictor.Rewarder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Generator struct {
	cfg      Config
	segments chan<- model.Segment
	start    <-chan bool
	rewarder predictor.Rewarder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	rng      *rand.Rand
	env      CartPole
	policy   LinearPolicy
	climber  *HillClimber
	training bool
	emitted  int
}

func NewGenerator(cfg Config, deps Deps) (*Generator, error) {
	if deps.Segments == nil {
		return nil, errors.New("segment channel is required")
	}
	cfg = cfg.normalized()
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Generator{
		cfg:      cfg,
		segments: deps.Segments,
		start:    deps.Start,
		rewarder: deps.Rewarder,
		logger:   logging.Component(deps.Logger, "rollout"),
		metrics:  deps.Metrics,
		rng:      rng,
		policy:   LinearPolicy{Weights: []float64{0, 0}},
		climber: &HillClimber{
			Rand:            rand.New(rand.NewSource(cfg.Seed + 1)),
			Steps:           2,
			StepSize:        0.5,
			AnnealingFactor: 0.9,
		},
	}, nil
}

func (g *Generator) Policy() LinearPolicy {
	return g.policy.Clone()
}

func (g *Generator) Training() bool {
	return g.training
}

func (g *Generator) Run(ctx context.Context) error {
	for g.cfg.MaxSegments <= 0 || g.emitted < g.cfg.MaxSegments {
		if err := g.Episode(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Episode rolls out one exploratory episode and emits every complete segment.
// Frames left over at episode end are discarded.
func (g *Generator) Episode(ctx context.Context) error {
	g.env.ResetRandom(g.rng)
	frames := make([]model.Frame, 0, g.cfg.SegmentLength)
	for step := 0; step < g.cfg.EpisodeSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		obs := g.env.Observation()
		force := g.policy.Act(obs) + g.rng.NormFloat64()*g.cfg.ExplorationNoise
		reward, done := g.env.Step(force)
		frames = append(frames, model.Frame{Observation: obs, Action: []float64{force}, Reward: reward})

		if len(frames) == g.cfg.SegmentLength {
			if err := g.emit(ctx, model.Segment{Frames: frames}); err != nil {
				return err
			}
			frames = make([]model.Frame, 0, g.cfg.SegmentLength)
			if g.cfg.MaxSegments > 0 && g.emitted >= g.cfg.MaxSegments {
				return nil
			}
		}
		if done {
			break
		}
	}
	return nil
}

func (g *Generator) emit(ctx context.Context, seg model.Segment) error {
	select {
	case g.segments <- seg:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.emitted++
	g.metrics.SegmentGenerated()

	g.pollStart()
	if g.training && g.emitted%g.cfg.TuneEvery == 0 {
		return g.improve(ctx)
	}
	return nil
}

func (g *Generator) pollStart() {
	if g.training || g.start == nil {
		return
	}
	select {
	case <-g.start:
		g.training = true
		g.logger.Info("policy training started", slog.Bool("predicted_reward", g.rewarder != nil))
	default:
	}
}

func (g *Generator) improve(ctx context.Context) error {
	next, report, err := g.climber.Tune(ctx, g.policy, g.cfg.TuneAttempts, g.score)
	if err != nil {
		return err
	}
	g.policy = next
	g.metrics.PolicyScore(report.BestScore)
	g.logger.Debug("policy updated",
		slog.Int("accepted", report.AcceptedCandidates),
		slog.Float64("start_score", report.StartScore),
		slog.Float64("best_score", report.BestScore),
	)
	return nil
}

// score rolls the policy out without noise from every default start position
// and sums the reward of each full segment.
func (g *Generator) score(ctx context.Context, policy LinearPolicy) (float64, error) {
	total := 0.0
	for _, start := range defaultStartPositions {
		var env CartPole
		env.Reset(start)
		frames := make([]model.Frame, 0, g.cfg.SegmentLength)
		for step := 0; step < g.cfg.EpisodeSteps; step++ {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			obs := env.Observation()
			force := policy.Act(obs)
			reward, done := env.Step(force)
			frames = append(frames, model.Frame{Observation: obs, Action: []float64{force}, Reward: reward})
			if len(frames) == g.cfg.SegmentLength {
				total += g.segmentReturn(model.Segment{Frames: frames})
				frames = make([]model.Frame, 0, g.cfg.SegmentLength)
			}
			if done {
				break
			}
		}
	}
	return total, nil
}

func (g *Generator) segmentReturn(seg model.Segment) float64 {
	if g.rewarder != nil {
		return g.rewarder.PredictReturn(seg)
	}
	return seg.TrueReturn()
}
