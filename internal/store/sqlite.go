package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	saveRetries   = 3
	saveBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single row of settings does not need a pool.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL,
		prefix_text TEXT NOT NULL,
		disabled_sites_json TEXT NOT NULL,
		always_enabled_sites_json TEXT NOT NULL,
		continuous_timer INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadSettings returns the saved settings, or nil if nothing was saved yet.
func (s *SQLiteStore) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	query := `
		SELECT enabled, prefix_text, disabled_sites_json,
		       always_enabled_sites_json, continuous_timer, updated_at
		FROM settings WHERE id = 1`

	var settings domain.Settings
	var disabledJSON, alwaysJSON string
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query).Scan(
		&settings.Enabled, &settings.Preferences.PrefixText, &disabledJSON,
		&alwaysJSON, &settings.Preferences.ContinuousTimer, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings row: %w", err)
	}

	if err := json.Unmarshal([]byte(disabledJSON), &settings.Preferences.DisabledSites); err != nil {
		return nil, fmt.Errorf("decode disabled sites: %w", err)
	}
	if err := json.Unmarshal([]byte(alwaysJSON), &settings.Preferences.AlwaysEnabledSites); err != nil {
		return nil, fmt.Errorf("decode always-enabled sites: %w", err)
	}
	settings.Preferences = settings.Preferences.Normalize()
	settings.UpdatedAt = time.Unix(updatedAt, 0)

	return &settings, nil
}

// SaveSettings replaces the saved settings, retrying on SQLITE_BUSY.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings domain.Settings) error {
	prefs := settings.Preferences.Normalize()
	disabledJSON, err := json.Marshal(prefs.DisabledSites)
	if err != nil {
		return fmt.Errorf("encode disabled sites: %w", err)
	}
	alwaysJSON, err := json.Marshal(prefs.AlwaysEnabledSites)
	if err != nil {
		return fmt.Errorf("encode always-enabled sites: %w", err)
	}
	updatedAt := settings.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO settings (id, enabled, prefix_text, disabled_sites_json,
		always_enabled_sites_json, continuous_timer, updated_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		enabled = excluded.enabled,
		prefix_text = excluded.prefix_text,
		disabled_sites_json = excluded.disabled_sites_json,
		always_enabled_sites_json = excluded.always_enabled_sites_json,
		continuous_timer = excluded.continuous_timer,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, "save settings", saveRetries, saveBaseDelay, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			settings.Enabled, prefs.PrefixText, string(disabledJSON),
			string(alwaysJSON), prefs.ContinuousTimer, updatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
