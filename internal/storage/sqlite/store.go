// Package sqlite provides the single-file entity store used for local runs.
// SQLite allows one writer at a time, so the store keeps a single connection
// and worker sessions take turns.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

const backend = "sqlite"

const entityColumns = `id, external_id, title, category, detail_url, law_type, institution,
	document_number, gazette_number, publish_date, body, text_extracted_at, pdf_downloaded,
	artifact_path, last_seen_at, processed_at, unprocessed, created_at`

// Store wraps a database/sql handle on a modernc SQLite database.
type Store struct {
	db     *sql.DB
	clock  crawler.Clock
	logger *zap.Logger
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: clock, logger: logger.Named("sqlite")}, nil
}

// Close closes the database.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite close failed", zap.Error(err))
	}
}

// EnsureSchema creates the entity and relation tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// OpenSession begins a transaction. It blocks while another session holds
// the connection.
func (s *Store) OpenSession(ctx context.Context) (crawler.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{store: s, tx: tx}, nil
}

// ListEntities reads entities ordered by id.
func (s *Store) ListEntities(ctx context.Context, filter crawler.EntityFilter) ([]crawler.Entity, error) {
	query := "SELECT " + entityColumns + " FROM entities"
	var args []any
	if filter.Unprocessed != nil {
		query += " WHERE unprocessed = ?"
		args = append(args, *filter.Unprocessed)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []crawler.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// CountRelations returns the number of stored relations.
func (s *Store) CountRelations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM relations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (crawler.Entity, error) {
	var e crawler.Entity
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.Title, &e.Category, &e.DetailURL, &e.LawType, &e.Institution,
		&e.DocumentNumber, &e.GazetteNumber, &e.PublishDate, &e.Body, &e.TextExtractedAt, &e.PDFDownloaded,
		&e.ArtifactPath, &e.LastSeenAt, &e.ProcessedAt, &e.Unprocessed, &e.CreatedAt,
	)
	return e, err
}

// isUniqueViolation reports UNIQUE and PRIMARY KEY constraint failures.
func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
