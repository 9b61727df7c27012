package modelstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LeaseStore is the sqlite-backed, belt-and-suspenders companion to the
// fslock-based artifact lock: it records which process is preparing
// which model so a maintenance sweep or an operator can see preparation
// ownership even though the actual cross-process exclusion is done by
// the OS advisory lock in internal/fslock.
type LeaseStore struct {
	db *sql.DB
}

// LeaseInfo is one prepare_leases row.
type LeaseInfo struct {
	ModelID   string
	PID       int
	StartedAt time.Time
}

// OpenLeaseStore opens (creating if needed) the sqlite database at path.
func OpenLeaseStore(path string) (*LeaseStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open lease store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prepare_leases (
			model_id   TEXT PRIMARY KEY,
			pid        INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create prepare_leases table: %w", err)
	}
	return &LeaseStore{db: db}, nil
}

// Close releases the database handle.
func (l *LeaseStore) Close() error {
	return l.db.Close()
}

// Claim records this process as the preparer of modelID, overwriting any
// previous (necessarily stale, since fslock already serialized entry)
// claim for the same model.
func (l *LeaseStore) Claim(ctx context.Context, modelID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO prepare_leases (model_id, pid, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET pid = excluded.pid, started_at = excluded.started_at;
	`, modelID, os.Getpid(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim prepare lease: %w", err)
	}
	return nil
}

// Release removes modelID's lease row on preparation exit, success or
// failure.
func (l *LeaseStore) Release(ctx context.Context, modelID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM prepare_leases WHERE model_id = ?;`, modelID)
	if err != nil {
		return fmt.Errorf("release prepare lease: %w", err)
	}
	return nil
}

// Get returns the current lease row for modelID, or nil if there is
// none.
func (l *LeaseStore) Get(ctx context.Context, modelID string) (*LeaseInfo, error) {
	var info LeaseInfo
	err := l.db.QueryRowContext(ctx, `
		SELECT model_id, pid, started_at FROM prepare_leases WHERE model_id = ?;
	`, modelID).Scan(&info.ModelID, &info.PID, &info.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prepare lease: %w", err)
	}
	return &info, nil
}

// All returns every current lease row, for the maintenance sweep.
func (l *LeaseStore) All(ctx context.Context) ([]LeaseInfo, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT model_id, pid, started_at FROM prepare_leases;`)
	if err != nil {
		return nil, fmt.Errorf("list prepare leases: %w", err)
	}
	defer rows.Close()
	var out []LeaseInfo
	for rows.Next() {
		var info LeaseInfo
		if err := rows.Scan(&info.ModelID, &info.PID, &info.StartedAt); err != nil {
			return nil, fmt.Errorf("scan prepare lease: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
