package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"drlhp/internal/model"
)

func testSnapshot(name string) model.BufferSnapshot {
	seg := model.Segment{Frames: []model.Frame{{Observation: []float64{0.25, -1}, Action: []float64{0.5}, Reward: 0.75}}}
	return model.BufferSnapshot{
		VersionedRecord: CurrentVersion(),
		Name:            name,
		ValFraction:     0.2,
		MaxPrefs:        10,
		Train:           []model.Triple{{A: seg, B: seg, Label: model.LabelPrefersA}},
		Validation:      []model.Triple{{A: seg, B: seg, Label: model.LabelEqual}},
	}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))

	_, ok, err := store.GetBufferSnapshot(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SaveBufferSnapshot(ctx, testSnapshot("initial")))
	snapshot, ok, err := store.GetBufferSnapshot(ctx, "initial")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testSnapshot("initial"), snapshot)

	state := model.TrainerState{VersionedRecord: CurrentVersion(), RunID: "run-1", Epoch: 7, PolicySignalSent: true}
	require.NoError(t, store.SaveTrainerState(ctx, state))
	loaded, ok, err := store.GetTrainerState(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state, loaded)

	for _, run := range []model.RunRecord{
		{VersionedRecord: CurrentVersion(), RunID: "a", Topology: "gather_initial_prefs", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{VersionedRecord: CurrentVersion(), RunID: "b", Topology: "train_policy_with_preferences", CreatedAtUTC: "2026-01-02T00:00:00Z"},
	} {
		require.NoError(t, store.SaveRun(ctx, run))
	}
	runs, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "b", runs[0].RunID)
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, CloseIfSupported(store))
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	require.Error(t, err)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveBufferSnapshot(context.Background(), testSnapshot("x"))
	require.Error(t, err)
}

func TestDecodeBufferSnapshotVersionMismatch(t *testing.T) {
	_, err := DecodeBufferSnapshot([]byte(`{"schema_version":2,"codec_version":1,"name":"x"}`))
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodeTrainerStateRoundTrip(t *testing.T) {
	state := model.TrainerState{VersionedRecord: CurrentVersion(), RunID: "r", Epoch: 3, CheckpointPath: "/tmp/ckpt.json", PretrainDone: true}
	payload, err := EncodeTrainerState(state)
	require.NoError(t, err)
	decoded, err := DecodeTrainerState(payload)
	require.NoError(t, err)
	require.Equal(t, state, decoded)
}
