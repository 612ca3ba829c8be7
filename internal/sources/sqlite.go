package sources

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const createSourcesTable = `
CREATE TABLE IF NOT EXISTS epg_sources (
	position          INTEGER NOT NULL,
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	url               TEXT NOT NULL,
	country_code      TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 0,
	enabled           INTEGER NOT NULL DEFAULT 1,
	last_fetch_status TEXT NOT NULL DEFAULT '',
	last_fetch_at     INTEGER NOT NULL DEFAULT 0
)`

// SQLite keeps the catalog in an epg_sources table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the catalog database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	if _, err := db.Exec(createSourcesTable); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create epg_sources table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns every source in stored order.
func (s *SQLite) Load(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, country_code, priority, enabled, last_fetch_status, last_fetch_at
		FROM epg_sources ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	srcs := make([]Source, 0, 64)

	for rows.Next() {
		var (
			src       Source
			enabled   bool
			fetchedAt int64
		)

		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.CountryCode,
			&src.Priority, &enabled, &src.LastFetchStatus, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}

		if !enabled {
			src.Enabled = &enabled
		}

		if fetchedAt > 0 {
			src.LastFetchAt = time.Unix(fetchedAt, 0).UTC()
		}

		srcs = append(srcs, src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sources: %w", err)
	}

	return srcs, nil
}

// Save replaces the stored catalog in one transaction.
func (s *SQLite) Save(ctx context.Context, srcs []Source) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM epg_sources`); err != nil {
		return fmt.Errorf("failed to clear sources: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO epg_sources
			(position, id, name, url, country_code, priority, enabled, last_fetch_status, last_fetch_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, src := range EnsureIDs(srcs) {
		var fetchedAt int64
		if !src.LastFetchAt.IsZero() {
			fetchedAt = src.LastFetchAt.Unix()
		}

		if _, err = stmt.ExecContext(ctx, i, src.ID, src.Name, src.URL, src.CountryCode,
			src.Priority, src.IsEnabled(), src.LastFetchStatus, fetchedAt); err != nil {
			return fmt.Errorf("failed to insert source %q: %w", src.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sources: %w", err)
	}

	return nil
}
