package drlhp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"drlhp/internal/config"
	"drlhp/internal/model"
	"drlhp/internal/prefdb"
	"drlhp/internal/storage"
)

func newClient(t *testing.T, reg *prometheus.Registry) *Client {
	t.Helper()
	client, err := New(Options{StoreKind: "memory", Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Init(context.Background()))
	return client
}

func gatherConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Topology = "gather_initial_prefs"
	cfg.RunID = "gather-1"
	cfg.Query.DrainTimeout = 5 * time.Millisecond
	cfg.Query.SegmentWait = 5 * time.Millisecond
	cfg.Prefs.MaxPrefs = 40
	cfg.Prefs.ValFraction = 0.5
	cfg.Prefs.NInitialPrefs = 4
	cfg.Prefs.InitialWait = 5 * time.Millisecond
	cfg.Prefs.Snapshot = "seed-prefs"
	cfg.Training.CheckpointDir = t.TempDir()
	cfg.Rollout.SegmentLength = 5
	cfg.Rollout.EpisodeSteps = 20
	return cfg
}

func TestClientRunRunsAndBuffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg := prometheus.NewRegistry()
	client := newClient(t, reg)

	summary, err := client.Run(ctx, RunRequest{Config: gatherConfig(t)})
	require.NoError(t, err)
	require.Equal(t, "gather-1", summary.RunID)

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "gather_initial_prefs", runs[0].Topology)

	buf, err := client.Buffer(ctx, BufferRequest{Name: "seed-prefs"})
	require.NoError(t, err)
	require.Equal(t, 40, buf.MaxPrefs)
	require.Equal(t, 20, buf.CapTrain)
	require.Equal(t, 20, buf.CapVal)
	require.Equal(t, summary.Train, buf.Train.Triples)
	require.Equal(t, summary.Validation, buf.Validation.Triples)
	require.Equal(t, 10*buf.Train.Triples, buf.Train.Frames)
	require.Positive(t, buf.Bytes)
	require.NotContains(t, buf.Train.Labels, model.LabelDrop)

	queries, err := testutil.GatherAndCount(reg, "drlhp_queries_total")
	require.NoError(t, err)
	require.Equal(t, 1, queries)
	require.NotNil(t, client.Metrics())
}

func TestClientExportImportBuffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newClient(t, nil)
	_, err := client.Run(ctx, RunRequest{Config: gatherConfig(t)})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, client.ExportBuffer(ctx, "seed-prefs", path))

	fromFile, err := client.Buffer(ctx, BufferRequest{File: path})
	require.NoError(t, err)
	imported, err := client.ImportBuffer(ctx, path, "copy")
	require.NoError(t, err)
	require.Equal(t, "copy", imported.Name)
	require.Equal(t, fromFile.Train, imported.Train)
	require.Equal(t, fromFile.Validation, imported.Validation)
}

func TestClientBufferRequiresOneSource(t *testing.T) {
	client := newClient(t, nil)
	_, err := client.Buffer(context.Background(), BufferRequest{})
	require.Error(t, err)
	_, err = client.Buffer(context.Background(), BufferRequest{Name: "a", File: "b"})
	require.Error(t, err)
	_, err = client.Buffer(context.Background(), BufferRequest{Name: "missing"})
	require.ErrorContains(t, err, "no stored preferences")
}

func TestSortedLabels(t *testing.T) {
	s := SplitSummary{Labels: map[model.Label]int{model.LabelPrefersB: 1, model.LabelEqual: 2, model.LabelPrefersA: 3}}
	require.Equal(t, []model.Label{model.LabelEqual, model.LabelPrefersA, model.LabelPrefersB}, s.SortedLabels())
}

func TestClientImportRejectsOverfullSnapshot(t *testing.T) {
	ctx := context.Background()
	client := newClient(t, nil)

	snap := prefdb.NewBuffer(10, 0.2, nil).Snapshot("overfull")
	seg := model.Segment{Frames: []model.Frame{{Observation: []float64{1}, Reward: 1}}}
	for i := 0; i < 12; i++ {
		snap.Train = append(snap.Train, model.Triple{A: seg, B: seg, Label: model.LabelPrefersA})
	}
	payload, err := storage.EncodeBufferSnapshot(snap)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "overfull.json")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	_, err = client.ImportBuffer(ctx, path, "overfull")
	require.ErrorIs(t, err, prefdb.ErrInvalidSnapshot)
	_, err = client.Buffer(ctx, BufferRequest{Name: "overfull"})
	require.ErrorContains(t, err, "no stored preferences")
}
