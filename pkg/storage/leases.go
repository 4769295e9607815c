package storage

import (
	"context"
	"database/sql"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Lease is one exclusive claim on a device serial.
type Lease struct {
	Serial     string
	Owner      string
	Host       string
	PID        int
	AcquiredAt time.Time
}

// LeaseStore grants at most one owner per serial across every process that
// shares the database.
type LeaseStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
	host  string
}

// Leases returns the lease table. A positive ttl lets a new owner reclaim a
// lease older than ttl; zero keeps leases until they are unlocked.
func (d *DB) Leases(ttl time.Duration) *LeaseStore {
	host, _ := os.Hostname()
	return &LeaseStore{db: d.db, ttl: ttl, host: host}
}

func (s *LeaseStore) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// TryLock claims serial for owner. It reports false without error when another
// owner already holds a live lease. Re-locking by the same owner succeeds.
func (s *LeaseStore) TryLock(ctx context.Context, serial, owner string) (bool, error) {
	if serial == "" || owner == "" {
		return false, pkgerrors.New("storage: lease serial and owner are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: begin lease transaction failed")
	}
	defer tx.Rollback()

	now := s.now()
	if s.ttl > 0 {
		cutoff := now.Add(-s.ttl).UnixMilli()
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+leaseTableName+` WHERE serial = ? AND owner <> ? AND acquired_at < ?`,
			serial, owner, cutoff)
		if err != nil {
			return false, pkgerrors.Wrap(err, "storage: reclaim expired lease failed")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Warn().Str("serial", serial).Dur("ttl", s.ttl).Msg("storage: reclaimed expired device lease")
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO `+leaseTableName+` (serial, owner, host, pid, acquired_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(serial) DO NOTHING`,
		serial, owner, s.host, os.Getpid(), now.UnixMilli())
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: insert lease failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: read lease insert result failed")
	}
	if n == 0 {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM `+leaseTableName+` WHERE serial = ?`, serial).Scan(&holder)
		if err != nil {
			return false, pkgerrors.Wrap(err, "storage: query lease owner failed")
		}
		if holder != owner {
			return false, nil
		}
	}
	if err := tx.Commit(); err != nil {
		return false, pkgerrors.Wrap(err, "storage: commit lease failed")
	}
	return true, nil
}

// Unlock drops the lease held by owner. It reports false when owner did not
// hold it.
func (s *LeaseStore) Unlock(ctx context.Context, serial, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+leaseTableName+` WHERE serial = ? AND owner = ?`, serial, owner)
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: delete lease failed")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ForceUnlock drops any lease on serial regardless of owner.
func (s *LeaseStore) ForceUnlock(ctx context.Context, serial string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+leaseTableName+` WHERE serial = ?`, serial)
	if err != nil {
		return false, pkgerrors.Wrap(err, "storage: force delete lease failed")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns every current lease ordered by serial.
func (s *LeaseStore) List(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, owner, host, pid, acquired_at FROM `+leaseTableName+` ORDER BY serial`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query leases failed")
	}
	defer rows.Close()
	var leases []Lease
	for rows.Next() {
		var (
			lease    Lease
			host     sql.NullString
			pid      sql.NullInt64
			acquired int64
		)
		if err := rows.Scan(&lease.Serial, &lease.Owner, &host, &pid, &acquired); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan lease failed")
		}
		lease.Host = host.String
		lease.PID = int(pid.Int64)
		lease.AcquiredAt = time.UnixMilli(acquired)
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}
