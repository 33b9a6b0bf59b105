// Package feeder moves judged triples from the query engine into the
// preference buffer and gates training on an initial batch of judgments.
package feeder

import (
	"context"
	"log/slog"
	"time"

	"drlhp/internal/logging"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/prefdb"
)

type Config struct {
	DrainTimeout time.Duration
	// InitialWait is the poll interval while waiting for initial preferences.
	InitialWait time.Duration
}

func (c Config) normalized() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 100 * time.Millisecond
	}
	if c.InitialWait <= 0 {
		c.InitialWait = 5 * time.Second
	}
	return c
}

// Feeder is the only writer of its buffer.
type Feeder struct {
	cfg     Config
	buf     *prefdb.Buffer
	prefs   <-chan model.Triple
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, buf *prefdb.Buffer, prefs <-chan model.Triple, logger *slog.Logger, m *metrics.Metrics) *Feeder {
	return &Feeder{
		cfg:     cfg.normalized(),
		buf:     buf,
		prefs:   prefs,
		logger:  logging.Component(logger, "feeder"),
		metrics: m,
	}
}

func (f *Feeder) Buffer() *prefdb.Buffer {
	return f.buf
}

// Drain appends the triples queued at entry. With nothing queued it waits up
// to the drain timeout for a single arrival, so a steady producer cannot keep
// it from returning. It returns the number of triples received, including
// dropped ones.
func (f *Feeder) Drain(ctx context.Context) int {
	limit := max(len(f.prefs), 1)
	timer := time.NewTimer(f.cfg.DrainTimeout)
	defer timer.Stop()

	received := 0
	for received < limit {
		select {
		case <-ctx.Done():
			return received
		case t, ok := <-f.prefs:
			if !ok {
				f.prefs = nil
				return received
			}
			received++
			f.add(t)
		case <-timer.C:
			return received
		}
	}
	return received
}

func (f *Feeder) add(t model.Triple) {
	res, err := f.buf.Append(t.A, t.B, t.Label)
	if err != nil {
		// Append either drops the label, rejects it, or leaves both splits in
		// bounds. Anything else is a bug in the buffer.
		if res.Split != prefdb.SplitNone {
			panic(err)
		}
		f.logger.Warn("rejected preference", slog.Any("err", err))
		return
	}
	if res.Evicted {
		f.metrics.BufferEviction(string(res.Split))
	}
	f.metrics.BufferSizes(f.buf.Train.Len(), f.buf.Val.Len())
}

// Ready reports whether the buffer can support training: at least nInitial
// training triples and a non-empty validation split.
func (f *Feeder) Ready(nInitial int) bool {
	return f.buf.Train.Len() >= nInitial && f.buf.Val.Len() > 0
}

// WaitInitial drains and polls until Ready(nInitial) holds.
func (f *Feeder) WaitInitial(ctx context.Context, nInitial int) error {
	for {
		f.Drain(ctx)
		if f.Ready(nInitial) {
			return nil
		}
		f.logger.Info("waiting for preferences",
			slog.Int("train", f.buf.Train.Len()),
			slog.Int("validation", f.buf.Val.Len()),
			slog.Int("want_train", nInitial),
		)
		timer := time.NewTimer(f.cfg.InitialWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
