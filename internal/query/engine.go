package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"drlhp/internal/logging"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/oracle"
	"drlhp/internal/predictor"
	"drlhp/internal/segpool"
)

type Config struct {
	SegsMax      int
	SampleSize   int
	DrainTimeout time.Duration
	SegmentWait  time.Duration
	// QueriesPerSecond caps oracle calls; zero leaves them unthrottled.
	QueriesPerSecond float64
	Seed             int64
}

func (c Config) normalized() Config {
	if c.SegsMax <= 0 {
		c.SegsMax = 5000
	}
	if c.SampleSize <= 0 {
		c.SampleSize = segpool.DefaultSampleSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 100 * time.Millisecond
	}
	if c.SegmentWait <= 0 {
		c.SegmentWait = time.Second
	}
	return c
}

// Engine owns the segment pool. It drains new segments, asks the ensemble
// to score candidate pairs, and forwards the oracle's judgment of the most
// uncertain pair.
type Engine struct {
	cfg       Config
	pool      *segpool.Pool
	tested    *TestedPairs
	predictor predictor.Ensemble
	oracle    oracle.Oracle
	segments  <-chan model.Segment
	prefs     chan<- model.Triple
	rng       *rand.Rand
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Deps struct {
	Predictor predictor.Ensemble
	Oracle    oracle.Oracle
	Segments  <-chan model.Segment
	Prefs     chan<- model.Triple
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg = cfg.normalized()
	e := &Engine{
		cfg:       cfg,
		pool:      segpool.New(cfg.SegsMax),
		tested:    NewTestedPairs(),
		predictor: deps.Predictor,
		oracle:    deps.Oracle,
		segments:  deps.Segments,
		prefs:     deps.Prefs,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		logger:    logging.Component(deps.Logger, "query"),
		metrics:   deps.Metrics,
	}
	if cfg.QueriesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1)
	}
	return e
}

func (e *Engine) Pool() *segpool.Pool {
	return e.pool
}

func (e *Engine) Tested() *TestedPairs {
	return e.tested
}

// Selection describes one completed query.
type Selection struct {
	Pair         Pair
	Disagreement float64
	Candidates   int
	Label        model.Label
}

// Run queries until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.WaitForSegments(ctx); err != nil {
		return err
	}
	for {
		if _, err := e.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
	}
}

// WaitForSegments blocks until the pool holds at least one pair.
func (e *Engine) WaitForSegments(ctx context.Context) error {
	for {
		e.RecvSegments(ctx)
		if e.pool.Len() >= 2 {
			return nil
		}
		e.logger.Info("not enough segments yet; sleeping", slog.Int("segments", e.pool.Len()))
		if err := sleep(ctx, e.cfg.SegmentWait); err != nil {
			return err
		}
	}
}

// RecvSegments moves the segments queued at entry into the pool. With
// nothing queued it waits up to the drain timeout for a single arrival. The
// call is bounded by both the queue length and the timeout, so a producer
// that keeps sending cannot hold it open. It returns the number received.
func (e *Engine) RecvSegments(ctx context.Context) int {
	limit := max(len(e.segments), 1)
	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	received := 0
	for received < limit {
		select {
		case <-ctx.Done():
			return received
		case seg, ok := <-e.segments:
			if !ok {
				e.segments = nil
				return received
			}
			received++
			evicted := e.pool.Append(seg)
			e.metrics.PoolSize(e.pool.Len(), evicted)
		case <-timer.C:
			return received
		}
	}
	return received
}

// Step runs one query cycle and returns the pair it asked about. It keeps
// draining and resampling while every sampled pair has already been tested.
func (e *Engine) Step(ctx context.Context) (Selection, error) {
	var candidates []Pair
	for len(candidates) == 0 {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		e.RecvSegments(ctx)
		candidates = Candidates(e.pool.Sample(e.rng, e.cfg.SampleSize), e.tested)
	}

	best, score, err := e.selectPair(ctx, candidates)
	if err != nil {
		return Selection{}, err
	}
	chosen := candidates[best]
	e.tested.Add(chosen)
	a, b := e.pool.At(chosen.I), e.pool.At(chosen.J)
	sel := Selection{Pair: chosen, Disagreement: score, Candidates: len(candidates)}
	e.metrics.QueryIssued(len(candidates), score)
	e.logger.Debug("selected pair",
		slog.Int("i", chosen.I),
		slog.Int("j", chosen.J),
		slog.Float64("disagreement", score),
		slog.Int("candidates", len(candidates)),
	)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return sel, err
		}
	}
	label, err := e.oracle.Judge(ctx, a, b)
	if err != nil {
		if ctx.Err() != nil {
			return sel, ctx.Err()
		}
		// The pair stays recorded so an unjudgeable pair is not asked again.
		e.metrics.OracleError()
		e.logger.Warn("oracle failed; abandoning query", slog.Any("err", err))
		return sel, nil
	}
	sel.Label = label
	e.metrics.OracleLabel(string(label))

	select {
	case e.prefs <- model.Triple{A: a, B: b, Label: label}:
	case <-ctx.Done():
		return sel, ctx.Err()
	}
	return sel, nil
}

// selectPair panics on a predictor shape mismatch: it means the predictor
// broke its contract, not that this query failed.
func (e *Engine) selectPair(ctx context.Context, candidates []Pair) (int, float64, error) {
	pairs := make([]predictor.Pair, len(candidates))
	for n, c := range candidates {
		pairs[n] = predictor.Pair{A: e.pool.At(c.I), B: e.pool.At(c.J)}
	}
	preds, err := e.predictor.Predict(ctx, pairs)
	if err != nil {
		return -1, 0, fmt.Errorf("predict preferences: %w", err)
	}
	best, score, err := MostUncertain(preds, e.predictor.Members(), len(pairs))
	if err != nil {
		panic(err)
	}
	return best, score, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
