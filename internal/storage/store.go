package storage

import (
	"context"

	"drlhp/internal/model"
)

// Store defines persistence for preference snapshots, trainer progress and run records.
type Store interface {
	Init(ctx context.Context) error
	SaveBufferSnapshot(ctx context.Context, snapshot model.BufferSnapshot) error
	GetBufferSnapshot(ctx context.Context, name string) (model.BufferSnapshot, bool, error)
	SaveTrainerState(ctx context.Context, state model.TrainerState) error
	GetTrainerState(ctx context.Context, runID string) (model.TrainerState, bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}
