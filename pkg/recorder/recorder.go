// Package recorder captures job state transitions to external stores.
package recorder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// JobRecord is the initial snapshot of a job.
type JobRecord struct {
	JobID   string
	Serial  string
	State   string
	StartAt time.Time
}

// JobUpdate carries the mutable fields of a job.
type JobUpdate struct {
	Serial  string
	State   string
	Flashed bool
	Port    int
	EndAt   *time.Time
	Error   string
}

// JobRecorder captures job state (e.g., sqlite history, Feishu bitable).
type JobRecorder interface {
	CreateJob(ctx context.Context, rec *JobRecord) error
	UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error
}

// NoopRecorder is the default implementation when recording is disabled.
type NoopRecorder struct{}

func (NoopRecorder) CreateJob(ctx context.Context, rec *JobRecord) error { return nil }
func (NoopRecorder) UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error {
	return nil
}

// Multi fans every call out to all recorders. Failures are logged and the
// first one is returned after every recorder ran.
type Multi []JobRecorder

func (m Multi) CreateJob(ctx context.Context, rec *JobRecord) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.CreateJob(ctx, rec); err != nil {
			log.Warn().Err(err).Str("job_id", rec.JobID).Msg("recorder: create job failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m Multi) UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.UpdateJob(ctx, jobID, upd); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Str("state", upd.State).Msg("recorder: update job failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
