// Package postgres provides the Postgres-backed entity store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

const backend = "postgres"

const entityColumns = `id, external_id, title, category, detail_url, law_type, institution,
	document_number, gazette_number, publish_date, body, text_extracted_at, pdf_downloaded,
	artifact_path, last_seen_at, processed_at, unprocessed, created_at`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store opens transaction-bound sessions and answers pool-level reads.
type Store struct {
	pool   pool
	clock  crawler.Clock
	logger *zap.Logger
}

// New connects a pgx pool.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, system.New(), logger)
}

// NewWithPool builds a store over an existing pool (primarily for testing).
func NewWithPool(p pool, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, clock: clock, logger: logger.Named("postgres")}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the entity and relation tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// OpenSession begins a transaction for one worker.
func (s *Store) OpenSession(ctx context.Context) (crawler.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{store: s, tx: tx}, nil
}

// ListEntities reads entities ordered by id.
func (s *Store) ListEntities(ctx context.Context, filter crawler.EntityFilter) ([]crawler.Entity, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT " + entityColumns + " FROM entities")
	if filter.Unprocessed != nil {
		args = append(args, *filter.Unprocessed)
		sb.WriteString(" WHERE unprocessed = $1")
	}
	sb.WriteString(" ORDER BY id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
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
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM relations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count relations: %w", err)
	}
	return int(n), nil
}

func scanEntity(row pgx.Row) (crawler.Entity, error) {
	var e crawler.Entity
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.Title, &e.Category, &e.DetailURL, &e.LawType, &e.Institution,
		&e.DocumentNumber, &e.GazetteNumber, &e.PublishDate, &e.Body, &e.TextExtractedAt, &e.PDFDownloaded,
		&e.ArtifactPath, &e.LastSeenAt, &e.ProcessedAt, &e.Unprocessed, &e.CreatedAt,
	)
	return e, err
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "sqlstate 23505")
}
