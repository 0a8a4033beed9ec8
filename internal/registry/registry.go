// Package registry persists the set of locally installed apps in
// SQLite so installs survive restarts. Each row remembers the package
// checksum and the tool server endpoint extracted from the manifest at
// install time.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInstalled is returned when an app is not present in the registry.
var ErrNotInstalled = errors.New("app not installed")

// Install represents one installed app.
type Install struct {
	ID          string // assigned at install time (UUIDv7)
	AppID       string // marketplace app ID
	Name        string
	Version     string
	Checksum    string // BLAKE2b-256 of the package archive, hex
	ServerURL   string // tool server endpoint from the manifest
	InstalledAt time.Time
}

// Store persists installs. All public methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a store backed by a database file. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open install registry: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle, running migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate install registry: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS installs (
		id           TEXT PRIMARY KEY,
		app_id       TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL,
		version      TEXT NOT NULL,
		checksum     TEXT,
		server_url   TEXT,
		installed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_installs_name ON installs(name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add records an install and returns it with ID and InstalledAt
// filled in. Reinstalling an app that is already present replaces the
// previous row.
func (s *Store) Add(ctx context.Context, ins Install) (Install, error) {
	if ins.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Install{}, fmt.Errorf("generate install ID: %w", err)
		}
		ins.ID = id.String()
	}
	if ins.InstalledAt.IsZero() {
		ins.InstalledAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO installs
			(id, app_id, name, version, checksum, server_url, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ins.ID,
		ins.AppID,
		ins.Name,
		ins.Version,
		ins.Checksum,
		ins.ServerURL,
		ins.InstalledAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Install{}, fmt.Errorf("insert install: %w", err)
	}
	return ins, nil
}

// Remove deletes an install. Returns ErrNotInstalled if the app was
// not in the registry.
func (s *Store) Remove(ctx context.Context, appID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM installs WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("delete install: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotInstalled
	}
	return nil
}

// Get returns the install for an app ID, or ErrNotInstalled.
func (s *Store) Get(ctx context.Context, appID string) (*Install, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, name, version, checksum, server_url, installed_at
		 FROM installs WHERE app_id = ?`, appID)

	ins, err := scanInstall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInstalled
	}
	if err != nil {
		return nil, fmt.Errorf("query install: %w", err)
	}
	return ins, nil
}

// List returns all installs, oldest first.
func (s *Store) List(ctx context.Context) ([]Install, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, name, version, checksum, server_url, installed_at
		 FROM installs ORDER BY installed_at ASC, app_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query installs: %w", err)
	}
	defer rows.Close()

	var installs []Install
	for rows.Next() {
		ins, err := scanInstall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan install: %w", err)
		}
		installs = append(installs, *ins)
	}
	return installs, rows.Err()
}

// SetVersion updates the recorded version and checksum for an
// installed app, typically after an upgrade. Returns ErrNotInstalled
// if the app was not in the registry.
func (s *Store) SetVersion(ctx context.Context, appID, version, checksum string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installs SET version = ?, checksum = ? WHERE app_id = ?`,
		version, checksum, appID)
	if err != nil {
		return fmt.Errorf("update install version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotInstalled
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(row scanner) (*Install, error) {
	var ins Install
	var installedAt string
	if err := row.Scan(&ins.ID, &ins.AppID, &ins.Name, &ins.Version,
		&ins.Checksum, &ins.ServerURL, &installedAt); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, installedAt)
	if err != nil {
		return nil, fmt.Errorf("parse installed_at %q: %w", installedAt, err)
	}
	ins.InstalledAt = ts
	return &ins, nil
}
