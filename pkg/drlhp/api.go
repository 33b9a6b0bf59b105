// Package drlhp is the programmatic entry point for running preference
// learning pipelines and inspecting what they stored.
package drlhp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"drlhp/internal/config"
	"drlhp/internal/metrics"
	"drlhp/internal/model"
	"drlhp/internal/pipeline"
	"drlhp/internal/prefdb"
	"drlhp/internal/storage"
)

const defaultDBPath = "drlhp.db"

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
	// Registry receives the pipeline metrics; nil disables them.
	Registry *prometheus.Registry
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type RunRequest struct {
	Config       config.Config
	OracleInput  io.Reader
	OracleOutput io.Writer
}

type RunSummary = pipeline.Result

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	Topology     string
	CreatedAtUTC string
	Seed         int64
	Epoch        int
	Checkpoint   string
	SignalSent   bool
}

type BufferRequest struct {
	// Name selects a stored snapshot; File reads an exported one instead.
	Name string
	File string
}

type BufferSummary struct {
	Name        string
	MaxPrefs    int
	ValFraction float64
	CapTrain    int
	CapVal      int
	Train       SplitSummary
	Validation  SplitSummary
	Bytes       int
}

type SplitSummary struct {
	Triples int
	Frames  int
	Labels  map[model.Label]int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	c := &Client{store: store, logger: opts.Logger}
	if opts.Registry != nil {
		c.metrics = metrics.New(opts.Registry)
	}
	return c, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	return pipeline.Run(ctx, req.Config, pipeline.Env{
		Store:        c.store,
		Logger:       c.logger,
		Metrics:      c.metrics,
		OracleInput:  req.OracleInput,
		OracleOutput: req.OracleOutput,
	})
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	runs, err := c.store.ListRuns(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		item := RunItem{
			RunID:        run.RunID,
			Topology:     run.Topology,
			CreatedAtUTC: run.CreatedAtUTC,
			Seed:         run.Seed,
		}
		state, ok, err := c.store.GetTrainerState(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if ok {
			item.Epoch = state.Epoch
			item.Checkpoint = state.CheckpointPath
			item.SignalSent = state.PolicySignalSent
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) Buffer(ctx context.Context, req BufferRequest) (BufferSummary, error) {
	if (req.Name == "") == (req.File == "") {
		return BufferSummary{}, errors.New("buffer inspection requires exactly one of name or file")
	}
	var buf *prefdb.Buffer
	name := req.Name
	if req.File != "" {
		loaded, err := prefdb.LoadFile(req.File, nil)
		if err != nil {
			return BufferSummary{}, err
		}
		buf, name = loaded, req.File
	} else {
		snap, ok, err := c.store.GetBufferSnapshot(ctx, req.Name)
		if err != nil {
			return BufferSummary{}, err
		}
		if !ok {
			return BufferSummary{}, fmt.Errorf("no stored preferences named %q", req.Name)
		}
		restored, err := prefdb.FromSnapshot(snap, nil)
		if err != nil {
			return BufferSummary{}, err
		}
		buf = restored
	}

	encoded, err := storage.EncodeBufferSnapshot(buf.Snapshot(name))
	if err != nil {
		return BufferSummary{}, err
	}
	view := buf.View()
	capTrain, capVal := buf.Caps()
	return BufferSummary{
		Name:        name,
		MaxPrefs:    buf.MaxPrefs(),
		ValFraction: buf.ValFraction(),
		CapTrain:    capTrain,
		CapVal:      capVal,
		Train:       summarizeSplit(view.Train),
		Validation:  summarizeSplit(view.Validation),
		Bytes:       len(encoded),
	}, nil
}

// ExportBuffer writes a stored snapshot to path.
func (c *Client) ExportBuffer(ctx context.Context, name, path string) error {
	snap, ok, err := c.store.GetBufferSnapshot(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no stored preferences named %q", name)
	}
	buf, err := prefdb.FromSnapshot(snap, nil)
	if err != nil {
		return err
	}
	return buf.SaveFile(path, name)
}

// ImportBuffer stores the snapshot at path under name.
func (c *Client) ImportBuffer(ctx context.Context, path, name string) (BufferSummary, error) {
	buf, err := prefdb.LoadFile(path, nil)
	if err != nil {
		return BufferSummary{}, err
	}
	if err := c.store.SaveBufferSnapshot(ctx, buf.Snapshot(name)); err != nil {
		return BufferSummary{}, err
	}
	return c.Buffer(ctx, BufferRequest{Name: name})
}

func summarizeSplit(triples []model.Triple) SplitSummary {
	out := SplitSummary{Triples: len(triples), Labels: make(map[model.Label]int)}
	for _, t := range triples {
		out.Frames += t.A.Len() + t.B.Len()
		out.Labels[t.Label]++
	}
	return out
}

// SortedLabels returns the split's labels in a stable order for display.
func (s SplitSummary) SortedLabels() []model.Label {
	labels := make([]model.Label, 0, len(s.Labels))
	for label := range s.Labels {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
