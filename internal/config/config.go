// Package config holds the run configuration, loaded from YAML over defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RunID       string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Topology    string `yaml:"topology" json:"topology"`
	Seed        int64  `yaml:"seed" json:"seed"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`

	Log        LogConfig        `yaml:"log" json:"log"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Channels   ChannelConfig    `yaml:"channels" json:"channels"`
	Query      QueryConfig      `yaml:"query" json:"query"`
	Prefs      PrefsConfig      `yaml:"prefs" json:"prefs"`
	Training   TrainingConfig   `yaml:"training" json:"training"`
	Oracle     OracleConfig     `yaml:"oracle" json:"oracle"`
	Rollout    RolloutConfig    `yaml:"rollout" json:"rollout"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type StoreConfig struct {
	// Kind is "memory" or "sqlite"; empty picks the build default.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Path string `yaml:"path" json:"path"`
}

type ChannelConfig struct {
	Segments int `yaml:"segments" json:"segments"`
	Prefs    int `yaml:"prefs" json:"prefs"`
}

type QueryConfig struct {
	MaxSegs          int           `yaml:"max_segs" json:"max_segs"`
	SampleSize       int           `yaml:"sample_size" json:"sample_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	SegmentWait      time.Duration `yaml:"segment_wait" json:"segment_wait"`
	QueriesPerSecond float64       `yaml:"queries_per_second" json:"queries_per_second"`
}

type PrefsConfig struct {
	MaxPrefs      int           `yaml:"max_prefs" json:"max_prefs"`
	ValFraction   float64       `yaml:"val_fraction" json:"val_fraction"`
	NInitialPrefs int           `yaml:"n_initial_prefs" json:"n_initial_prefs"`
	InitialWait   time.Duration `yaml:"initial_wait" json:"initial_wait"`
	// Snapshot names the stored buffer snapshot to load before training and,
	// for the gathering topology, the name it is saved under.
	Snapshot string `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	// ExportFile additionally writes gathered preferences to a file.
	ExportFile string `yaml:"export_file,omitempty" json:"export_file,omitempty"`
}

type TrainingConfig struct {
	NInitialEpochs int           `yaml:"n_initial_epochs" json:"n_initial_epochs"`
	CkptInterval   int           `yaml:"ckpt_interval" json:"ckpt_interval"`
	ValInterval    int           `yaml:"val_interval" json:"val_interval"`
	EpochPause     time.Duration `yaml:"epoch_pause" json:"epoch_pause"`
	MaxEpochs      int           `yaml:"max_epochs" json:"max_epochs"`
	Members        int           `yaml:"members" json:"members"`
	LearningRate   float64       `yaml:"learning_rate" json:"learning_rate"`
	CheckpointDir  string        `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	// LoadCheckpoint restores the predictor before training starts.
	LoadCheckpoint string `yaml:"load_checkpoint,omitempty" json:"load_checkpoint,omitempty"`
}

type OracleConfig struct {
	Kind           string  `yaml:"kind" json:"kind"`
	EqualTolerance float64 `yaml:"equal_tolerance" json:"equal_tolerance"`
}

type RolloutConfig struct {
	SegmentLength    int     `yaml:"segment_length" json:"segment_length"`
	EpisodeSteps     int     `yaml:"episode_steps" json:"episode_steps"`
	ExplorationNoise float64 `yaml:"exploration_noise" json:"exploration_noise"`
	TuneEvery        int     `yaml:"tune_every" json:"tune_every"`
	TuneAttempts     int     `yaml:"tune_attempts" json:"tune_attempts"`
	MaxSegments      int     `yaml:"max_segments" json:"max_segments"`
}

type SupervisorConfig struct {
	Strategy       string        `yaml:"strategy" json:"strategy"`
	MaxRestarts    int           `yaml:"max_restarts" json:"max_restarts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

func Default() Config {
	return Config{
		Topology: "train_policy_with_preferences",
		Seed:     1,
		Log:      LogConfig{Level: "info", Format: "text"},
		Store:    StoreConfig{Path: "drlhp.db"},
		Channels: ChannelConfig{Segments: 100, Prefs: 100},
		Query: QueryConfig{
			MaxSegs:      5000,
			SampleSize:   10,
			DrainTimeout: 100 * time.Millisecond,
			SegmentWait:  time.Second,
		},
		Prefs: PrefsConfig{
			MaxPrefs:      3000,
			ValFraction:   0.2,
			NInitialPrefs: 500,
			InitialWait:   5 * time.Second,
			Snapshot:      "initial_prefs",
		},
		Training: TrainingConfig{
			NInitialEpochs: 200,
			CkptInterval:   100,
			ValInterval:    10,
			Members:        3,
			LearningRate:   0.05,
			CheckpointDir:  "checkpoints",
		},
		Oracle: OracleConfig{Kind: "synthetic"},
		Rollout: RolloutConfig{
			SegmentLength:    25,
			EpisodeSteps:     60,
			ExplorationNoise: 0.3,
			TuneEvery:        10,
			TuneAttempts:     3,
		},
		Supervisor: SupervisorConfig{
			Strategy:       "one_for_one",
			MaxRestarts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Load reads path over Default(). Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	var errs []error
	if c.Query.MaxSegs < 2 {
		errs = append(errs, errors.New("query.max_segs must be >= 2"))
	}
	if c.Query.SampleSize < 2 {
		errs = append(errs, errors.New("query.sample_size must be >= 2"))
	}
	if c.Query.QueriesPerSecond < 0 {
		errs = append(errs, errors.New("query.queries_per_second must be >= 0"))
	}
	if c.Prefs.MaxPrefs <= 0 {
		errs = append(errs, errors.New("prefs.max_prefs must be > 0"))
	}
	if c.Prefs.ValFraction < 0 || c.Prefs.ValFraction >= 1 {
		errs = append(errs, errors.New("prefs.val_fraction must be in [0, 1)"))
	}
	if c.Prefs.NInitialPrefs < 0 {
		errs = append(errs, errors.New("prefs.n_initial_prefs must be >= 0"))
	}
	if c.Training.NInitialEpochs < 0 {
		errs = append(errs, errors.New("training.n_initial_epochs must be >= 0"))
	}
	if c.Training.CkptInterval <= 0 {
		errs = append(errs, errors.New("training.ckpt_interval must be > 0"))
	}
	if c.Training.Members <= 0 {
		errs = append(errs, errors.New("training.members must be > 0"))
	}
	if c.Channels.Segments <= 0 || c.Channels.Prefs <= 0 {
		errs = append(errs, errors.New("channel capacities must be > 0"))
	}
	if c.Rollout.SegmentLength <= 0 {
		errs = append(errs, errors.New("rollout.segment_length must be > 0"))
	}
	return errors.Join(errs...)
}
