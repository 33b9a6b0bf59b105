package prefdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"drlhp/internal/model"
	"drlhp/internal/storage"
)

// Snapshot captures both splits in insertion order.
func (b *Buffer) Snapshot(name string) model.BufferSnapshot {
	view := b.View()
	return model.BufferSnapshot{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		Name:        name,
		ValFraction: b.valFraction,
		MaxPrefs:    b.maxPrefs,
		Train:       view.Train,
		Validation:  view.Validation,
	}
}

// ErrInvalidSnapshot reports a snapshot that could not have been produced by
// Append: a split over its bound or a label that never enters a buffer.
var ErrInvalidSnapshot = errors.New("invalid preference snapshot")

// FromSnapshot rebuilds a buffer with the snapshot's splits and bounds. The
// splits are restored exactly; snapshots that violate the buffer's bounds or
// carry unenterable labels are rejected.
func FromSnapshot(snapshot model.BufferSnapshot, rng *rand.Rand) (*Buffer, error) {
	if err := validateSnapshot(snapshot); err != nil {
		return nil, err
	}
	b := NewBuffer(snapshot.MaxPrefs, snapshot.ValFraction, rng)
	for _, t := range snapshot.Train {
		b.Train.Append(t)
	}
	for _, t := range snapshot.Validation {
		b.Val.Append(t)
	}
	return b, nil
}

func validateSnapshot(snapshot model.BufferSnapshot) error {
	if snapshot.MaxPrefs < 0 {
		return fmt.Errorf("%w: max_prefs %d is negative", ErrInvalidSnapshot, snapshot.MaxPrefs)
	}
	if snapshot.ValFraction < 0 || snapshot.ValFraction >= 1 {
		return fmt.Errorf("%w: val_fraction %v outside [0,1)", ErrInvalidSnapshot, snapshot.ValFraction)
	}
	capTrain := capFor(snapshot.MaxPrefs, 1-snapshot.ValFraction)
	capVal := capFor(snapshot.MaxPrefs, snapshot.ValFraction)
	if len(snapshot.Train) > capTrain {
		return fmt.Errorf("%w: train %d > %d", ErrInvalidSnapshot, len(snapshot.Train), capTrain)
	}
	if len(snapshot.Validation) > capVal {
		return fmt.Errorf("%w: validation %d > %d", ErrInvalidSnapshot, len(snapshot.Validation), capVal)
	}
	if err := validateLabels(SplitTrain, snapshot.Train); err != nil {
		return err
	}
	return validateLabels(SplitValidation, snapshot.Validation)
}

func validateLabels(split Split, triples []model.Triple) error {
	for i, t := range triples {
		if t.Label == model.LabelDrop || !t.Label.Valid() {
			return fmt.Errorf("%w: %s[%d] has label %q", ErrInvalidSnapshot, split, i, t.Label)
		}
	}
	return nil
}

func (b *Buffer) Save(w io.Writer, name string) error {
	payload, err := storage.EncodeBufferSnapshot(b.Snapshot(name))
	if err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func Load(r io.Reader, rng *rand.Rand) (*Buffer, string, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	snapshot, err := storage.DecodeBufferSnapshot(payload)
	if err != nil {
		return nil, "", err
	}
	b, err := FromSnapshot(snapshot, rng)
	if err != nil {
		return nil, "", err
	}
	return b, snapshot.Name, nil
}

// SaveFile writes the snapshot atomically via a sibling temp file.
func (b *Buffer) SaveFile(path, name string) error {
	var buf bytes.Buffer
	if err := b.Save(&buf, name); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadFile(path string, rng *rand.Rand) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, _, err := Load(f, rng)
	if err != nil {
		return nil, fmt.Errorf("load preferences %s: %w", path, err)
	}
	return b, nil
}
