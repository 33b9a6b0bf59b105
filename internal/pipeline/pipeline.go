package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"drlhp/internal/config"
	"drlhp/internal/feeder"
	"drlhp/internal/logging"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/oracle"
	"drlhp/internal/platform"
	"drlhp/internal/predictor"
	"drlhp/internal/prefdb"
	"drlhp/internal/query"
	"drlhp/internal/rollout"
	"drlhp/internal/storage"
	"drlhp/internal/trainer"
)

// Env carries the collaborators a run shares with its caller. Predictor and
// Oracle replace the configured implementations when set.
type Env struct {
	Store     storage.Store
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Predictor predictor.Ensemble
	// Rewarder scores segments for the policy; it defaults to the built-in
	// ensemble when Predictor is unset.
	Rewarder     predictor.Rewarder
	Oracle       oracle.Oracle
	OracleInput  io.Reader
	OracleOutput io.Writer
}

type Result struct {
	RunID      string   `json:"run_id"`
	Topology   Topology `json:"topology"`
	Train      int      `json:"train"`
	Validation int      `json:"validation"`
	Epoch      int      `json:"epoch"`
	Checkpoint string   `json:"checkpoint,omitempty"`
}

// channels are created per run and handed to each worker explicitly.
type channels struct {
	segments chan model.Segment
	prefs    chan model.Triple
	start    chan bool
}

func newChannels(cfg config.ChannelConfig) channels {
	return channels{
		segments: make(chan model.Segment, cfg.Segments),
		prefs:    make(chan model.Triple, cfg.Prefs),
		start:    make(chan bool, 1),
	}
}

type run struct {
	cfg    config.Config
	env    Env
	id     string
	topo   Topology
	logger *slog.Logger
	ch     channels
}

// Run executes one topology to completion or until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, env Env) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	topo, err := ParseTopology(cfg.Topology)
	if err != nil {
		return Result{}, err
	}
	if env.Store == nil {
		return Result{}, errors.New("store is required")
	}
	id := cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		cfg:    cfg,
		env:    env,
		id:     id,
		topo:   topo,
		logger: logging.Component(env.Logger, "pipeline").With(slog.String("run_id", id)),
		ch:     newChannels(cfg.Channels),
	}
	if err := env.Store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           id,
		Topology:        string(topo),
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339),
		Seed:            cfg.Seed,
	}); err != nil {
		return Result{}, fmt.Errorf("save run: %w", err)
	}
	r.logger.Info("starting run", slog.String("topology", string(topo)))

	switch topo {
	case GatherInitialPrefs:
		return r.gatherInitialPrefs(ctx)
	case PretrainRewardPredictor:
		return r.pretrainRewardPredictor(ctx)
	case TrainPolicyWithOriginalRewards:
		return r.trainPolicyWithOriginalRewards(ctx)
	case TrainPolicyWithPreferences:
		return r.trainPolicyWithPreferences(ctx)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTopology, topo)
	}
}

func (r *run) gatherInitialPrefs(ctx context.Context) (Result, error) {
	ens, _, err := r.predictor(ctx)
	if err != nil {
		return Result{}, err
	}
	gen, err := r.generator(nil)
	if err != nil {
		return Result{}, err
	}
	engine, err := r.engine(ens)
	if err != nil {
		return Result{}, err
	}
	fd := r.feeder(r.newBuffer())

	g, gctx := errgroup.WithContext(ctx)
	stopCtx, stop := context.WithCancel(gctx)
	defer stop()
	g.Go(func() error { return ignoreStop(stopCtx, gen.Run(stopCtx)) })
	g.Go(func() error { return ignoreStop(stopCtx, engine.Run(stopCtx)) })
	g.Go(func() error {
		if err := fd.WaitInitial(stopCtx, r.cfg.Prefs.NInitialPrefs); err != nil {
			return err
		}
		stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	buf := fd.Buffer()
	if err := r.saveBuffer(ctx, buf); err != nil {
		return Result{}, err
	}
	r.logger.Info("initial preferences gathered",
		slog.Int("train", buf.Train.Len()),
		slog.Int("validation", buf.Val.Len()),
	)
	return Result{RunID: r.id, Topology: r.topo, Train: buf.Train.Len(), Validation: buf.Val.Len()}, nil
}

func (r *run) pretrainRewardPredictor(ctx context.Context) (Result, error) {
	buf, err := r.loadBuffer(ctx)
	if err != nil {
		return Result{}, err
	}
	if buf == nil {
		return Result{}, fmt.Errorf("no stored preferences named %q to pretrain on", r.cfg.Prefs.Snapshot)
	}
	ens, _, err := r.predictor(ctx)
	if err != nil {
		return Result{}, err
	}
	fd := r.feeder(buf)
	coord, err := r.trainer(ens, fd, true, true)
	if err != nil {
		return Result{}, err
	}
	if err := coord.Run(ctx); err != nil {
		return Result{}, err
	}
	return r.result(ctx, buf)
}

func (r *run) trainPolicyWithOriginalRewards(ctx context.Context) (Result, error) {
	r.ch.start <- true
	gen, err := r.generator(nil)
	if err != nil {
		return Result{}, err
	}
	// Nothing consumes segments in this topology.
	go discardSegments(ctx, r.ch.segments)
	if err := gen.Run(ctx); err != nil {
		return Result{}, err
	}
	return Result{RunID: r.id, Topology: r.topo}, nil
}

func (r *run) trainPolicyWithPreferences(ctx context.Context) (Result, error) {
	ens, rewarder, err := r.predictor(ctx)
	if err != nil {
		return Result{}, err
	}
	buf, err := r.loadBuffer(ctx)
	if err != nil {
		return Result{}, err
	}
	loaded := buf != nil
	if !loaded {
		buf = r.newBuffer()
	}
	gen, err := r.generator(rewarder)
	if err != nil {
		return Result{}, err
	}
	engine, err := r.engine(ens)
	if err != nil {
		return Result{}, err
	}
	fd := r.feeder(buf)
	coord, err := r.trainer(ens, fd, loaded, false)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	strategy, err := platform.ParseStrategy(r.cfg.Supervisor.Strategy)
	if err != nil {
		return Result{}, err
	}
	sup := platform.New(runCtx, platform.Policy{
		InitialBackoff: r.cfg.Supervisor.InitialBackoff,
		MaxBackoff:     r.cfg.Supervisor.MaxBackoff,
		MaxRestarts:    r.cfg.Supervisor.MaxRestarts,
		Strategy:       strategy,
	}, r.env.Logger, r.env.Metrics)

	workers := []platform.WorkerSpec{
		{Name: "rollout", Restart: platform.RestartTransient, Run: gen.Run},
		{Name: "query", Restart: platform.RestartPermanent, Run: engine.Run},
		{Name: "trainer", Restart: platform.RestartTransient, Run: func(ctx context.Context) error {
			if err := coord.Run(ctx); err != nil {
				return err
			}
			// Training finished its epoch budget; the run is over.
			cancelRun()
			return nil
		}},
	}
	for _, w := range workers {
		if err := sup.Start(w); err != nil {
			sup.StopAll()
			return Result{}, err
		}
	}
	if err := sup.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return r.result(ctx, buf)
}

func (r *run) result(ctx context.Context, buf *prefdb.Buffer) (Result, error) {
	res := Result{RunID: r.id, Topology: r.topo, Train: buf.Train.Len(), Validation: buf.Val.Len()}
	state, ok, err := r.env.Store.GetTrainerState(ctx, r.id)
	if err != nil {
		return Result{}, err
	}
	if ok {
		res.Epoch = state.Epoch
		res.Checkpoint = state.CheckpointPath
	}
	return res, nil
}

func (r *run) newBuffer() *prefdb.Buffer {
	return prefdb.NewBuffer(r.cfg.Prefs.MaxPrefs, r.cfg.Prefs.ValFraction, r.rng(3))
}

// loadBuffer restores the configured snapshot from the store, falling back to
// the export file. It returns nil when neither exists.
func (r *run) loadBuffer(ctx context.Context) (*prefdb.Buffer, error) {
	if name := r.cfg.Prefs.Snapshot; name != "" {
		snap, ok, err := r.env.Store.GetBufferSnapshot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load preferences %s: %w", name, err)
		}
		if ok {
			r.logger.Info("loaded preferences", slog.String("snapshot", name),
				slog.Int("train", len(snap.Train)), slog.Int("validation", len(snap.Validation)))
			buf, err := prefdb.FromSnapshot(snap, r.rng(3))
			if err != nil {
				return nil, fmt.Errorf("load preferences %s: %w", name, err)
			}
			r.warnBoundsMismatch(buf)
			return buf, nil
		}
	}
	if path := r.cfg.Prefs.ExportFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			buf, err := prefdb.LoadFile(path, r.rng(3))
			if err != nil {
				return nil, err
			}
			r.warnBoundsMismatch(buf)
			return buf, nil
		}
	}
	return nil, nil
}

// warnBoundsMismatch logs when a restored buffer keeps bounds that differ
// from the configured ones. Restored buffers always keep their own bounds.
func (r *run) warnBoundsMismatch(buf *prefdb.Buffer) {
	if buf.MaxPrefs() == r.cfg.Prefs.MaxPrefs && buf.ValFraction() == r.cfg.Prefs.ValFraction {
		return
	}
	r.logger.Warn("restored preferences keep their own bounds",
		slog.Int("max_prefs", buf.MaxPrefs()),
		slog.Float64("val_fraction", buf.ValFraction()),
		slog.Int("configured_max_prefs", r.cfg.Prefs.MaxPrefs),
		slog.Float64("configured_val_fraction", r.cfg.Prefs.ValFraction),
	)
}

func (r *run) saveBuffer(ctx context.Context, buf *prefdb.Buffer) error {
	name := r.cfg.Prefs.Snapshot
	if name == "" {
		name = r.id
	}
	if err := r.env.Store.SaveBufferSnapshot(ctx, buf.Snapshot(name)); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	if path := r.cfg.Prefs.ExportFile; path != "" {
		if err := buf.SaveFile(path, name); err != nil {
			return fmt.Errorf("export preferences: %w", err)
		}
	}
	return nil
}

func (r *run) predictor(ctx context.Context) (predictor.Ensemble, predictor.Rewarder, error) {
	if r.env.Predictor != nil {
		return r.env.Predictor, r.env.Rewarder, nil
	}
	ens := predictor.NewLinearEnsemble(predictor.LinearConfig{
		Members:       r.cfg.Training.Members,
		LearningRate:  r.cfg.Training.LearningRate,
		CheckpointDir: r.cfg.Training.CheckpointDir,
		Seed:          r.cfg.Seed,
	}, r.env.Logger)
	if path := r.cfg.Training.LoadCheckpoint; path != "" {
		if err := ens.Load(ctx, path); err != nil {
			return nil, nil, fmt.Errorf("load checkpoint %s: %w", path, err)
		}
	}
	return ens, ens, nil
}

func (r *run) oracle() (oracle.Oracle, error) {
	if r.env.Oracle != nil {
		return r.env.Oracle, nil
	}
	input, output := r.env.OracleInput, r.env.OracleOutput
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}
	return oracle.New(oracle.Config{
		Kind:           oracle.Kind(r.cfg.Oracle.Kind),
		EqualTolerance: r.cfg.Oracle.EqualTolerance,
		Input:          input,
		Output:         output,
	}, r.env.Logger)
}

func (r *run) generator(rewarder predictor.Rewarder) (*rollout.Generator, error) {
	c := r.cfg.Rollout
	return rollout.NewGenerator(rollout.Config{
		SegmentLength:    c.SegmentLength,
		EpisodeSteps:     c.EpisodeSteps,
		ExplorationNoise: c.ExplorationNoise,
		TuneEvery:        c.TuneEvery,
		TuneAttempts:     c.TuneAttempts,
		MaxSegments:      c.MaxSegments,
		Seed:             r.cfg.Seed,
	}, rollout.Deps{
		Segments: r.ch.segments,
		Start:    r.ch.start,
		Rewarder: rewarder,
		Logger:   r.env.Logger,
		Metrics:  r.env.Metrics,
	})
}

func (r *run) engine(ens predictor.Ensemble) (*query.Engine, error) {
	orc, err := r.oracle()
	if err != nil {
		return nil, err
	}
	c := r.cfg.Query
	return query.NewEngine(query.Config{
		SegsMax:          c.MaxSegs,
		SampleSize:       c.SampleSize,
		DrainTimeout:     c.DrainTimeout,
		SegmentWait:      c.SegmentWait,
		QueriesPerSecond: c.QueriesPerSecond,
		Seed:             r.cfg.Seed + 2,
	}, query.Deps{
		Predictor: ens,
		Oracle:    orc,
		Segments:  r.ch.segments,
		Prefs:     r.ch.prefs,
		Logger:    r.env.Logger,
		Metrics:   r.env.Metrics,
	}), nil
}

func (r *run) feeder(buf *prefdb.Buffer) *feeder.Feeder {
	return feeder.New(feeder.Config{
		DrainTimeout: r.cfg.Query.DrainTimeout,
		InitialWait:  r.cfg.Prefs.InitialWait,
	}, buf, r.ch.prefs, r.env.Logger, r.env.Metrics)
}

func (r *run) trainer(ens predictor.Ensemble, fd *feeder.Feeder, prefsLoaded, justPretrain bool) (*trainer.Coordinator, error) {
	c := r.cfg.Training
	return trainer.New(trainer.Config{
		RunID:          r.id,
		NInitialPrefs:  r.cfg.Prefs.NInitialPrefs,
		NInitialEpochs: c.NInitialEpochs,
		CkptInterval:   c.CkptInterval,
		ValInterval:    c.ValInterval,
		JustPretrain:   justPretrain,
		PrefsLoaded:    prefsLoaded,
		EpochPause:     c.EpochPause,
		MaxEpochs:      c.MaxEpochs,
	}, trainer.Deps{
		Predictor: ens,
		Feeder:    fd,
		Store:     r.env.Store,
		Start:     r.ch.start,
		Logger:    r.env.Logger,
		Metrics:   r.env.Metrics,
	})
}

func (r *run) rng(offset int64) *rand.Rand {
	return rand.New(rand.NewSource(r.cfg.Seed + offset))
}

// ignoreStop hides the cancellation caused by a deliberate stop.
func ignoreStop(stopCtx context.Context, err error) error {
	if err != nil && stopCtx.Err() != nil && errors.Is(err, stopCtx.Err()) {
		return nil
	}
	return err
}

func discardSegments(ctx context.Context, ch <-chan model.Segment) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}
