package storage

import (
	"context"
	"database/sql"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// JobRun is one row of the job history.
type JobRun struct {
	JobID   string
	Serial  string
	State   string
	Flashed bool
	Port    int
	StartAt time.Time
	EndAt   *time.Time
	Error   string
}

// JobStore persists job runs.
type JobStore struct {
	db *sql.DB
}

// Jobs returns the job history table.
func (d *DB) Jobs() *JobStore {
	return &JobStore{db: d.db}
}

// CreateJob inserts a new run.
func (s *JobStore) CreateJob(ctx context.Context, run JobRun) error {
	if run.JobID == "" {
		return pkgerrors.New("storage: job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+jobTableName+` (job_id, serial, state, flashed, port, start_at, end_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.JobID, run.Serial, run.State, boolToInt(run.Flashed), run.Port,
		run.StartAt.UnixMilli(), nullableMillis(run.EndAt), run.Error)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: insert job %s failed", run.JobID)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of a run. EndAt is only written
// when set.
func (s *JobStore) UpdateJob(ctx context.Context, run JobRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+jobTableName+`
		 SET serial = ?, state = ?, flashed = ?, port = ?, error = ?, end_at = COALESCE(?, end_at)
		 WHERE job_id = ?`,
		run.Serial, run.State, boolToInt(run.Flashed), run.Port, run.Error,
		nullableMillis(run.EndAt), run.JobID)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: update job %s failed", run.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Errorf("storage: job %s not found", run.JobID)
	}
	return nil
}

// GetJob loads one run.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRun, error) {
	var (
		run     JobRun
		serial  sql.NullString
		flashed int
		port    sql.NullInt64
		startAt int64
		endAt   sql.NullInt64
		errMsg  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, serial, state, flashed, port, start_at, end_at, error FROM `+jobTableName+` WHERE job_id = ?`,
		jobID).Scan(&run.JobID, &serial, &run.State, &flashed, &port, &startAt, &endAt, &errMsg)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: query job %s failed", jobID)
	}
	run.Serial = serial.String
	run.Flashed = flashed != 0
	run.Port = int(port.Int64)
	run.StartAt = time.UnixMilli(startAt)
	if endAt.Valid {
		t := time.UnixMilli(endAt.Int64)
		run.EndAt = &t
	}
	run.Error = errMsg.String
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
