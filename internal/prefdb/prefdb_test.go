package prefdb

import (
	"bytes"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"drlhp/internal/model"
	"drlhp/internal/storage"
)

func seg(v float64) model.Segment {
	return model.Segment{Frames: []model.Frame{
		{Observation: []float64{v, -v}, Action: []float64{v / 2}, Reward: v},
		{Observation: []float64{v + 1, -v - 1}, Reward: v + 1},
	}}
}

func TestBufferAppendRespectsSplitBounds(t *testing.T) {
	buf := NewBuffer(25, 0.2, rand.New(rand.NewSource(42)))
	capTrain, capVal := buf.Caps()
	require.Equal(t, 20, capTrain)
	require.Equal(t, 5, capVal)

	labels := []model.Label{model.LabelPrefersA, model.LabelPrefersB, model.LabelEqual}
	for i := 0; i < 400; i++ {
		_, err := buf.Append(seg(float64(i)), seg(float64(-i)), labels[i%len(labels)])
		require.NoError(t, err)
		require.LessOrEqual(t, buf.Len(SplitTrain), capTrain)
		require.LessOrEqual(t, buf.Len(SplitValidation), capVal)
	}
	require.Equal(t, capTrain, buf.Len(SplitTrain))
	require.Equal(t, capVal, buf.Len(SplitValidation))
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	// val_fraction 0 routes everything to train.
	buf := NewBuffer(3, 0, rand.New(rand.NewSource(1)))
	for i := 0; i < 5; i++ {
		res, err := buf.Append(seg(float64(i)), seg(0), model.LabelPrefersA)
		require.NoError(t, err)
		require.Equal(t, SplitTrain, res.Split)
		require.Equal(t, i >= 3, res.Evicted)
	}
	triples := buf.Train.Triples()
	require.Len(t, triples, 3)
	for i, tr := range triples {
		require.Equal(t, float64(i+2), tr.A.Frames[0].Reward)
	}
}

func TestBufferDropIsNoop(t *testing.T) {
	buf := NewBuffer(100, 0.5, rand.New(rand.NewSource(5)))
	for i := 0; i < 10; i++ {
		_, err := buf.Append(seg(1), seg(2), model.LabelEqual)
		require.NoError(t, err)
	}
	before := buf.Len(SplitNone)
	for i := 0; i < 10; i++ {
		res, err := buf.Append(seg(3), seg(4), model.LabelDrop)
		require.NoError(t, err)
		require.Equal(t, SplitNone, res.Split)
		require.Equal(t, before, buf.Len(SplitNone))
	}
}

func TestBufferDropDoesNotConsumeRandomness(t *testing.T) {
	a := NewBuffer(100, 0.5, rand.New(rand.NewSource(9)))
	b := NewBuffer(100, 0.5, rand.New(rand.NewSource(9)))
	for i := 0; i < 20; i++ {
		_, err := a.Append(seg(float64(i)), seg(0), model.LabelDrop)
		require.NoError(t, err)
		resA, err := a.Append(seg(float64(i)), seg(0), model.LabelPrefersA)
		require.NoError(t, err)
		resB, err := b.Append(seg(float64(i)), seg(0), model.LabelPrefersA)
		require.NoError(t, err)
		require.Equal(t, resB.Split, resA.Split)
	}
}

func TestBufferRejectsUnknownLabel(t *testing.T) {
	buf := NewBuffer(10, 0.2, nil)
	_, err := buf.Append(seg(1), seg(2), model.Label("maybe"))
	require.Error(t, err)
	require.Zero(t, buf.Len(SplitNone))
}

func TestBufferSeededRoutingMatchesDraws(t *testing.T) {
	const seed = 1234
	buf := NewBuffer(1000, 0.2, rand.New(rand.NewSource(seed)))

	replay := rand.New(rand.NewSource(seed))
	wantVal := 0
	for i := 0; i < 10; i++ {
		if replay.Float64() < 0.2 {
			wantVal++
		}
	}

	for i := 0; i < 10; i++ {
		_, err := buf.Append(seg(float64(i)), seg(0), model.LabelPrefersB)
		require.NoError(t, err)
	}
	require.Equal(t, wantVal, buf.Len(SplitValidation))
	require.Equal(t, 10-wantVal, buf.Len(SplitTrain))
}

func TestBufferCheckInvariantDetectsOverflow(t *testing.T) {
	buf := NewBuffer(5, 0.2, nil)
	for i := 0; i < 6; i++ {
		buf.Train.Append(model.Triple{A: seg(1), B: seg(2), Label: model.LabelEqual})
	}
	err := buf.checkInvariant()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCapacityInvariant))
}

func TestBufferSaveLoadRoundTrip(t *testing.T) {
	buf := NewBuffer(40, 0.25, rand.New(rand.NewSource(3)))
	labels := []model.Label{model.LabelPrefersA, model.LabelPrefersB, model.LabelEqual}
	for i := 0; i < 60; i++ {
		_, err := buf.Append(seg(float64(i)*0.1), seg(float64(i)*-0.3), labels[i%3])
		require.NoError(t, err)
	}

	var out bytes.Buffer
	require.NoError(t, buf.Save(&out, "initial"))

	loaded, name, err := Load(bytes.NewReader(out.Bytes()), nil)
	require.NoError(t, err)
	require.Equal(t, "initial", name)
	require.Equal(t, buf.MaxPrefs(), loaded.MaxPrefs())
	require.Equal(t, buf.ValFraction(), loaded.ValFraction())
	if diff := cmp.Diff(buf.View(), loaded.View(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBufferSaveFileLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs", "initial.json")
	buf := NewBuffer(10, 0.5, rand.New(rand.NewSource(8)))
	for i := 0; i < 7; i++ {
		_, err := buf.Append(seg(float64(i)), seg(float64(i+1)), model.LabelPrefersA)
		require.NoError(t, err)
	}
	require.NoError(t, buf.SaveFile(path, "initial"))

	loaded, err := LoadFile(path, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(buf.View(), loaded.View(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("file round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	_, _, err := Load(bytes.NewReader([]byte(`{"schema_version":99,"codec_version":1}`)), nil)
	require.Error(t, err)
}

func overfullSnapshot() model.BufferSnapshot {
	buf := NewBuffer(10, 0.2, rand.New(rand.NewSource(5)))
	snap := buf.Snapshot("overfull")
	for i := 0; i < 12; i++ {
		snap.Train = append(snap.Train, model.Triple{A: seg(float64(i)), B: seg(0), Label: model.LabelPrefersA})
	}
	return snap
}

func TestFromSnapshotRejectsSplitOverBound(t *testing.T) {
	_, err := FromSnapshot(overfullSnapshot(), nil)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	require.ErrorContains(t, err, "train 12 > 8")
}

func TestFromSnapshotRejectsUnenterableLabels(t *testing.T) {
	for _, label := range []model.Label{model.LabelDrop, "sideways"} {
		snap := NewBuffer(10, 0.2, nil).Snapshot("labels")
		snap.Validation = []model.Triple{{A: seg(1), B: seg(2), Label: label}}
		_, err := FromSnapshot(snap, nil)
		require.ErrorIs(t, err, ErrInvalidSnapshot, "label %q", label)
	}
}

func TestFromSnapshotRejectsBadFraction(t *testing.T) {
	snap := NewBuffer(10, 0.2, nil).Snapshot("fraction")
	snap.ValFraction = 1
	_, err := FromSnapshot(snap, nil)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestLoadRejectsInvalidSnapshot(t *testing.T) {
	payload, err := storage.EncodeBufferSnapshot(overfullSnapshot())
	require.NoError(t, err)
	_, _, err = Load(bytes.NewReader(payload), nil)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestFromSnapshotAcceptsFullSplitsAndAppendStaysBounded(t *testing.T) {
	buf := NewBuffer(10, 0.2, rand.New(rand.NewSource(9)))
	for i := 0; i < 40; i++ {
		_, err := buf.Append(seg(float64(i)), seg(0), model.LabelEqual)
		require.NoError(t, err)
	}
	restored, err := FromSnapshot(buf.Snapshot("full"), rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	if diff := cmp.Diff(buf.View(), restored.View(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("restore mismatch (-want +got):\n%s", diff)
	}
	_, err = restored.Append(seg(100), seg(0), model.LabelPrefersB)
	require.NoError(t, err)
}
