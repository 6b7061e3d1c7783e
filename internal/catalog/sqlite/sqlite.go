// Package sqlite is an embedded SQLite track catalog.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DoyleJ11/roomsync-backend/internal/catalog"
	"github.com/DoyleJ11/roomsync-backend/internal/engine"
	_ "modernc.org/sqlite"
)

// Config represents the SQLite catalog config.
type Config struct {
	Path string `koanf:"path"`
}

// SQLite is a catalog stored in a single database file.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*SQLite, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tracks (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			artist     TEXT NOT NULL DEFAULT '',
			file_url   TEXT NOT NULL,
			duration   REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tracks table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Track implements catalog.Catalog.
func (s *SQLite) Track(ctx context.Context, id string) (engine.Track, error) {
	var t engine.Track
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, artist, file_url, duration FROM tracks WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &t.Artist, &t.FileURL, &t.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Track{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	if err != nil {
		return engine.Track{}, fmt.Errorf("query track %s: %w", id, err)
	}
	return t, nil
}

// Put upserts a track.
func (s *SQLite) Put(ctx context.Context, t engine.Track) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (id, title, artist, file_url, duration) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			file_url = excluded.file_url,
			duration = excluded.duration`,
		t.ID, t.Title, t.Artist, t.FileURL, t.Duration)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
