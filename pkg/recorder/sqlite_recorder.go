package recorder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/httprunner/MTBFAgent/pkg/storage"
)

// JobStore is the subset of storage.JobStore the recorder writes to.
type JobStore interface {
	CreateJob(ctx context.Context, run storage.JobRun) error
	UpdateJob(ctx context.Context, run storage.JobRun) error
}

// SQLiteRecorder keeps the local job history.
type SQLiteRecorder struct {
	store JobStore
}

// NewSQLiteRecorder wraps a job store.
func NewSQLiteRecorder(store JobStore) *SQLiteRecorder {
	return &SQLiteRecorder{store: store}
}

func (r *SQLiteRecorder) CreateJob(ctx context.Context, rec *JobRecord) error {
	if r == nil || r.store == nil || rec == nil {
		return nil
	}
	err := r.store.CreateJob(ctx, storage.JobRun{
		JobID:   rec.JobID,
		Serial:  rec.Serial,
		State:   rec.State,
		StartAt: rec.StartAt,
	})
	return errors.Wrap(err, "sqlite recorder: create job")
}

func (r *SQLiteRecorder) UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error {
	if r == nil || r.store == nil || upd == nil {
		return nil
	}
	err := r.store.UpdateJob(ctx, storage.JobRun{
		JobID:   jobID,
		Serial:  upd.Serial,
		State:   upd.State,
		Flashed: upd.Flashed,
		Port:    upd.Port,
		EndAt:   upd.EndAt,
		Error:   upd.Error,
	})
	return errors.Wrap(err, "sqlite recorder: update job")
}
