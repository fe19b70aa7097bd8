package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a recorded execution does not exist
var ErrNotFound = errors.New("not found")

// Storage records finished executions in sqlite
type Storage struct {
	db *sql.DB
}

// NewStorage opens (or creates) the database at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	storage := &Storage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates the database tables
func (s *Storage) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS stage_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			exit_code INTEGER,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_pipeline_id ON executions(pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_executions_execution_id ON stage_executions(execution_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
