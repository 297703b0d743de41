// Package sqlite is the local durable period cache. One row holds one period
// document as JSON; the cache stays fully usable offline and is the
// synchronous side of every write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cofrinho/internal/core"
	"cofrinho/internal/store"
)

type Store struct {
	db       *sql.DB
	familyID string
}

func New(dbPath, familyID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, familyID: familyID}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, m core.Month) (*core.Period, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM periods WHERE family_id = ? AND year = ? AND month = ?`,
		s.familyID, m.Year, m.Month,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query period %s: %w", m, err)
	}

	var p core.Period
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", store.ErrCorrupt, m, err)
	}
	return &p, nil
}

func (s *Store) Put(ctx context.Context, m core.Month, p *core.Period) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode period %s: %w", m, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO periods (family_id, year, month, doc, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (family_id, year, month)
		 DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		s.familyID, m.Year, m.Month, string(doc), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert period %s: %w", m, err)
	}

	slog.DebugContext(ctx, "Period saved to local cache",
		"family_id", s.familyID,
		"period", m.Key(),
		"updated_at", p.UpdatedAt)
	return nil
}

// Months lists the period keys held in the cache, oldest first.
func (s *Store) Months(ctx context.Context) ([]core.Month, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month FROM periods WHERE family_id = ? ORDER BY year, month`,
		s.familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var out []core.Month
	for rows.Next() {
		var m core.Month
		if err := rows.Scan(&m.Year, &m.Month); err != nil {
			return nil, fmt.Errorf("scan period key: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
