package storage

import (
	"encoding/json"
	"errors"

	"drlhp/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeBufferSnapshot(s model.BufferSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeBufferSnapshot(data []byte) (model.BufferSnapshot, error) {
	var snapshot model.BufferSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.BufferSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.BufferSnapshot{}, err
	}
	return snapshot, nil
}

func EncodeTrainerState(s model.TrainerState) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeTrainerState(data []byte) (model.TrainerState, error) {
	var state model.TrainerState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.TrainerState{}, err
	}
	if err := checkVersion(state.VersionedRecord); err != nil {
		return model.TrainerState{}, err
	}
	return state, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
