// Package trainer drives reward-predictor training against the preference
// buffer and hands off to policy training once the predictor has warmed up.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"drlhp/internal/feeder"
	"drlhp/internal/logging"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/predictor"
	"drlhp/internal/storage"
)

type Config struct {
	RunID          string
	NInitialPrefs  int
	NInitialEpochs int
	CkptInterval   int
	ValInterval    int
	// JustPretrain stops after the warm-up epochs without signalling.
	JustPretrain bool
	// PrefsLoaded skips the initial-preferences gate because the buffer was
	// restored from a snapshot.
	PrefsLoaded bool
	// EpochPause throttles the steady-state training loop.
	EpochPause time.Duration
	// MaxEpochs stops steady-state training after this many total epochs; zero runs until cancelled.
	MaxEpochs int
}

// Coordinator reads the buffer only through its feeder, which it also drives
// between epochs, so the buffer keeps a single writer.
type Coordinator struct {
	cfg       Config
	predictor predictor.Ensemble
	feeder    *feeder.Feeder
	store     storage.Store
	start     chan<- bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Deps struct {
	Predictor predictor.Ensemble
	Feeder    *feeder.Feeder
	Store     storage.Store
	// Start receives a single true once policy training may use predicted rewards.
	Start   chan<- bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Predictor == nil {
		return nil, errors.New("predictor is required")
	}
	if deps.Feeder == nil {
		return nil, errors.New("feeder is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.CkptInterval <= 0 {
		cfg.CkptInterval = 100
	}
	return &Coordinator{
		cfg:       cfg,
		predictor: deps.Predictor,
		feeder:    deps.Feeder,
		store:     deps.Store,
		start:     deps.Start,
		logger:    logging.Component(deps.Logger, "trainer"),
		metrics:   deps.Metrics,
	}, nil
}

func (c *Coordinator) Run(ctx context.Context) error {
	state, err := c.resume(ctx)
	if err != nil {
		return err
	}

	if !state.PretrainDone {
		if err := c.pretrain(ctx, &state); err != nil {
			return err
		}
	}
	if c.cfg.JustPretrain {
		return nil
	}
	if err := c.signalPolicyTraining(ctx, &state); err != nil {
		return err
	}
	return c.trainForever(ctx, &state)
}

// resume loads durable progress for this run and restores the predictor from
// its last checkpoint.
func (c *Coordinator) resume(ctx context.Context) (model.TrainerState, error) {
	state, ok, err := c.store.GetTrainerState(ctx, c.cfg.RunID)
	if err != nil {
		return model.TrainerState{}, fmt.Errorf("load trainer state: %w", err)
	}
	if !ok {
		return model.TrainerState{VersionedRecord: storage.CurrentVersion(), RunID: c.cfg.RunID}, nil
	}
	if state.CheckpointPath != "" {
		if err := c.predictor.Load(ctx, state.CheckpointPath); err != nil {
			return model.TrainerState{}, fmt.Errorf("load checkpoint %s: %w", state.CheckpointPath, err)
		}
	}
	c.logger.Info("resumed trainer",
		slog.Int("epoch", state.Epoch),
		slog.Bool("pretrain_done", state.PretrainDone),
		slog.Bool("policy_signal_sent", state.PolicySignalSent),
	)
	return state, nil
}

func (c *Coordinator) pretrain(ctx context.Context, state *model.TrainerState) error {
	if !c.cfg.PrefsLoaded {
		if err := c.feeder.WaitInitial(ctx, c.cfg.NInitialPrefs); err != nil {
			return err
		}
	}

	c.logger.Info("pretraining reward predictor", slog.Int("epochs", c.cfg.NInitialEpochs))
	for state.Epoch < c.cfg.NInitialEpochs {
		if err := c.epoch(ctx, state); err != nil {
			return err
		}
	}
	state.PretrainDone = true
	if err := c.checkpoint(ctx, state); err != nil {
		return err
	}
	c.logger.Info("reward predictor pretraining done", slog.Int("epoch", state.Epoch))
	return nil
}

// signalPolicyTraining persists the hand-off before sending it, so a
// restarted coordinator never sends it twice.
func (c *Coordinator) signalPolicyTraining(ctx context.Context, state *model.TrainerState) error {
	if state.PolicySignalSent {
		return nil
	}
	state.PolicySignalSent = true
	if err := c.saveState(ctx, *state); err != nil {
		state.PolicySignalSent = false
		return err
	}
	if c.start == nil {
		return nil
	}
	select {
	case c.start <- true:
		c.logger.Info("signalled policy training")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) trainForever(ctx context.Context, state *model.TrainerState) error {
	for c.cfg.MaxEpochs <= 0 || state.Epoch < c.cfg.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.epoch(ctx, state); err != nil {
			return err
		}
		c.feeder.Drain(ctx)
		if c.cfg.EpochPause > 0 {
			timer := time.NewTimer(c.cfg.EpochPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.checkpoint(ctx, state)
}

// epoch trains once on a view taken now; triples appended later are seen
// next epoch.
func (c *Coordinator) epoch(ctx context.Context, state *model.TrainerState) error {
	view := c.feeder.Buffer().View()
	if err := c.predictor.Train(ctx, view.Train, view.Validation, c.cfg.ValInterval); err != nil {
		return fmt.Errorf("train epoch %d: %w", state.Epoch, err)
	}
	c.metrics.TrainingEpoch()
	c.logger.Debug("epoch done",
		slog.Int("epoch", state.Epoch),
		slog.Int("train", len(view.Train)),
		slog.Int("validation", len(view.Validation)),
	)
	state.Epoch++
	if state.Epoch%c.cfg.CkptInterval == 0 {
		return c.checkpoint(ctx, state)
	}
	return nil
}

func (c *Coordinator) checkpoint(ctx context.Context, state *model.TrainerState) error {
	path, err := c.predictor.Save(ctx)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	state.CheckpointPath = path
	c.metrics.CheckpointSaved()
	return c.saveState(ctx, *state)
}

func (c *Coordinator) saveState(ctx context.Context, state model.TrainerState) error {
	if err := c.store.SaveTrainerState(ctx, state); err != nil {
		return fmt.Errorf("save trainer state: %w", err)
	}
	return nil
}
