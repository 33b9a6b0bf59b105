package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"drlhp/internal/config"
	"drlhp/internal/pipeline"
	"drlhp/pkg/drlhp"
)

type runFlags struct {
	configPath     string
	topology       string
	runID          string
	seed           int64
	oracle         string
	maxSegs        int
	maxPrefs       int
	valFraction    float64
	nInitialPrefs  int
	nInitialEpochs int
	maxEpochs      int
	maxSegments    int
	snapshot       string
	exportFile     string
	checkpointDir  string
	loadCheckpoint string
	qps            float64
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline topology",
		Long: `Run one of the pipeline topologies:

  gather_initial_prefs               collect initial judgments and store them
  pretrain_reward_predictor          train the reward predictor on stored judgments
  train_policy_with_original_rewards train the policy on environment reward
  train_policy_with_preferences      run rollout, queries and reward training together

Flags override values from --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			return a.execRun(cmd.Context(), cmd, cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML config file")
	fl.StringVar(&f.topology, "topology", "", "pipeline topology")
	fl.StringVar(&f.runID, "run-id", "", "run id; generated when empty")
	fl.Int64Var(&f.seed, "seed", 0, "random seed")
	fl.StringVar(&f.oracle, "oracle", "", "preference oracle: synthetic or human")
	fl.IntVar(&f.maxSegs, "max-segs", 0, "segment pool capacity")
	fl.IntVar(&f.maxPrefs, "max-prefs", 0, "preference buffer capacity across both splits")
	fl.Float64Var(&f.valFraction, "val-fraction", 0, "fraction of preferences routed to validation")
	fl.IntVar(&f.nInitialPrefs, "n-initial-prefs", 0, "training preferences required before pretraining")
	fl.IntVar(&f.nInitialEpochs, "n-initial-epochs", 0, "reward predictor pretraining epochs")
	fl.IntVar(&f.maxEpochs, "max-epochs", 0, "stop after this many training epochs")
	fl.IntVar(&f.maxSegments, "max-segments", 0, "stop rollouts after this many segments")
	fl.StringVar(&f.snapshot, "snapshot", "", "stored preference snapshot name")
	fl.StringVar(&f.exportFile, "export-file", "", "preference file to export to or load from")
	fl.StringVar(&f.checkpointDir, "checkpoint-dir", "", "reward predictor checkpoint directory")
	fl.StringVar(&f.loadCheckpoint, "load-checkpoint", "", "reward predictor checkpoint to load first")
	fl.Float64Var(&f.qps, "queries-per-second", 0, "oracle query rate limit; 0 disables")
	return cmd
}

// resolve layers explicitly set flags over the config file over defaults.
func (f runFlags) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	changed := cmd.Flags().Changed
	if changed("topology") {
		cfg.Topology = f.topology
	}
	if changed("run-id") {
		cfg.RunID = f.runID
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("oracle") {
		cfg.Oracle.Kind = f.oracle
	}
	if changed("max-segs") {
		cfg.Query.MaxSegs = f.maxSegs
	}
	if changed("max-prefs") {
		cfg.Prefs.MaxPrefs = f.maxPrefs
	}
	if changed("val-fraction") {
		cfg.Prefs.ValFraction = f.valFraction
	}
	if changed("n-initial-prefs") {
		cfg.Prefs.NInitialPrefs = f.nInitialPrefs
	}
	if changed("n-initial-epochs") {
		cfg.Training.NInitialEpochs = f.nInitialEpochs
	}
	if changed("max-epochs") {
		cfg.Training.MaxEpochs = f.maxEpochs
	}
	if changed("max-segments") {
		cfg.Rollout.MaxSegments = f.maxSegments
	}
	if changed("snapshot") {
		cfg.Prefs.Snapshot = f.snapshot
	}
	if changed("export-file") {
		cfg.Prefs.ExportFile = f.exportFile
	}
	if changed("checkpoint-dir") {
		cfg.Training.CheckpointDir = f.checkpointDir
	}
	if changed("load-checkpoint") {
		cfg.Training.LoadCheckpoint = f.loadCheckpoint
	}
	if changed("queries-per-second") {
		cfg.Query.QueriesPerSecond = f.qps
	}
	if _, err := pipeline.ParseTopology(cfg.Topology); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (a *app) execRun(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
	if cmd.Flags().Changed("log-level") || cfg.Log.Level == "" {
		cfg.Log.Level = a.flags.logLevel
	}
	a.flags.logLevel = cfg.Log.Level
	if cmd.Flags().Changed("log-format") || cfg.Log.Format == "" {
		cfg.Log.Format = a.flags.logFormat
	}
	a.flags.logFormat = cfg.Log.Format
	if !cmd.Flags().Changed("store") && cfg.Store.Kind != "" {
		a.flags.storeKind = cfg.Store.Kind
	}
	if !cmd.Flags().Changed("db-path") && cfg.Store.Path != "" {
		a.flags.dbPath = cfg.Store.Path
	}
	metricsAddr := a.flags.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	reg := prometheus.NewRegistry()
	client, logger, err := a.client(ctx, reg)
	if err != nil {
		return err
	}
	defer client.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if metricsAddr != "" {
		go func() {
			if err := client.Metrics().Serve(runCtx, metricsAddr); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	summary, err := client.Run(runCtx, drlhp.RunRequest{Config: cfg, OracleInput: a.stdin, OracleOutput: a.stdout})
	if err != nil {
		if isInterrupt(err) {
			logger.Info("run interrupted")
			return nil
		}
		return err
	}
	cmd.Printf("run_id=%s topology=%s train=%d validation=%d epoch=%d\n",
		summary.RunID, summary.Topology, summary.Train, summary.Validation, summary.Epoch)
	if summary.Checkpoint != "" {
		cmd.Printf("checkpoint=%s\n", summary.Checkpoint)
	}
	return nil
}
