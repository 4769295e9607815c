package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	envDBPath         = "MTBF_DB_PATH"
	defaultDBDirName  = ".mtbf"
	defaultDBFileName = "mtbf.sqlite"

	leaseTableName = "device_leases"
	jobTableName   = "job_runs"
)

// DB is the shared SQLite database backing the device pool lock and the job
// history. Every job process on a host opens the same file.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating when needed) the database at path. An empty path
// resolves MTBF_DB_PATH and then ~/.mtbf/mtbf.sqlite.
func Open(path string) (*DB, error) {
	dbPath := strings.TrimSpace(path)
	if dbPath == "" {
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		dbPath = resolved
	} else if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", dbPath).Msg("storage: sqlite database ready")
	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// ResolveDatabasePath returns MTBF_DB_PATH or the default location under the
// user home, creating the parent directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(envDBPath)); custom != "" {
		if err := ensureDir(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// several job processes contend for the lease table at start-up
		"PRAGMA busy_timeout=30000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + leaseTableName + ` (
			serial TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			host TEXT,
			pid INTEGER,
			acquired_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ` + jobTableName + ` (
			job_id TEXT PRIMARY KEY,
			serial TEXT,
			state TEXT NOT NULL,
			flashed INTEGER NOT NULL DEFAULT 0,
			port INTEGER,
			start_at INTEGER NOT NULL,
			end_at INTEGER,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_serial ON ` + jobTableName + ` (serial, start_at);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}
