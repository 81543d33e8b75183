package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
)

// Session is a worker-local transaction.
type Session struct {
	store *Store
	tx    *sql.Tx
}

var _ crawler.Session = (*Session)(nil)

// BeginItem opens the item savepoint.
func (s *Session) BeginItem(ctx context.Context) error {
	return s.exec(ctx, "SAVEPOINT crawl_item")
}

// EndItem releases or rolls back the item savepoint.
func (s *Session) EndItem(ctx context.Context, keep bool) error {
	if keep {
		return s.exec(ctx, "RELEASE SAVEPOINT crawl_item")
	}
	if err := s.exec(ctx, "ROLLBACK TO SAVEPOINT crawl_item"); err != nil {
		return err
	}
	return s.exec(ctx, "RELEASE SAVEPOINT crawl_item")
}

// WithSavepoint implements crawler.Session.
func (s *Session) WithSavepoint(ctx context.Context, fn func() error) error {
	if err := s.exec(ctx, "SAVEPOINT crawl_entry"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := s.exec(ctx, "ROLLBACK TO SAVEPOINT crawl_entry"); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := s.exec(ctx, "RELEASE SAVEPOINT crawl_entry"); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return s.exec(ctx, "RELEASE SAVEPOINT crawl_entry")
}

// Flush commits and starts a new transaction.
func (s *Session) Flush(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("session closed")
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		return fmt.Errorf("commit: %w", err)
	}
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		s.tx = nil
		return fmt.Errorf("begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Close rolls back anything not flushed and frees the connection.
func (s *Session) Close(context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *Session) exec(ctx context.Context, query string, args ...any) error {
	if s.tx == nil {
		return fmt.Errorf("session closed")
	}
	if _, err := s.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", firstLine(query), err)
	}
	return nil
}

// Upsert creates the entity or merges fields into it, refreshing last_seen_at.
func (s *Session) Upsert(ctx context.Context, externalID string, fields crawler.EntityFields) (crawler.UpsertResult, error) {
	now := s.store.clock.Now()
	id, err := s.lookupID(ctx, externalID)
	switch {
	case err == nil:
		if err := s.merge(ctx, id, fields, &now); err != nil {
			return crawler.UpsertResult{}, err
		}
		metrics.ObserveUpsert(backend, string(crawler.OutcomeUpdated))
		return crawler.UpsertResult{ID: id, Outcome: crawler.OutcomeUpdated}, nil
	case !errors.Is(err, crawler.ErrNotFound):
		return crawler.UpsertResult{}, err
	}

	id, err = s.tryInsert(ctx, externalID, fields, &now)
	if err == nil {
		metrics.ObserveUpsert(backend, string(crawler.OutcomeCreated))
		return crawler.UpsertResult{ID: id, Outcome: crawler.OutcomeCreated}, nil
	}
	if !isUniqueViolation(err) {
		return crawler.UpsertResult{}, err
	}
	id, err = s.fallbackUpdate(ctx, externalID, fields, &now)
	if err != nil {
		metrics.ObserveUpsert(backend, "conflict")
		return crawler.UpsertResult{}, err
	}
	metrics.ObserveUpsert(backend, string(crawler.OutcomeUpdated))
	return crawler.UpsertResult{ID: id, Outcome: crawler.OutcomeUpdated}, nil
}

// fallbackUpdate runs once after an insert lost a uniqueness race.
func (s *Session) fallbackUpdate(ctx context.Context, externalID string, f crawler.EntityFields, lastSeen *time.Time) (int64, error) {
	id, err := s.lookupID(ctx, externalID)
	if err == nil {
		err = s.merge(ctx, id, f, lastSeen)
	}
	if err != nil {
		return 0, &crawler.ConflictError{ExternalID: externalID, Err: err}
	}
	return id, nil
}

// EnsureStub returns the entity, creating an unprocessed stub when absent.
func (s *Session) EnsureStub(ctx context.Context, externalID string, fields crawler.EntityFields) (crawler.Entity, bool, error) {
	e, err := s.Get(ctx, externalID)
	if err == nil {
		return e, false, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Entity{}, false, err
	}
	fields.Unprocessed = crawler.Bool(true)
	_, err = s.tryInsert(ctx, externalID, fields, nil)
	created := err == nil
	if err != nil && !isUniqueViolation(err) {
		return crawler.Entity{}, false, err
	}
	e, err = s.Get(ctx, externalID)
	if err != nil {
		return crawler.Entity{}, false, &crawler.ConflictError{ExternalID: externalID, Err: err}
	}
	if created {
		metrics.ObserveUpsert(backend, "stub")
	}
	return e, created, nil
}

// Update merges fields without touching last_seen_at.
func (s *Session) Update(ctx context.Context, externalID string, fields crawler.EntityFields) error {
	id, err := s.lookupID(ctx, externalID)
	if err != nil {
		return err
	}
	return s.merge(ctx, id, fields, nil)
}

// Get loads one entity.
func (s *Session) Get(ctx context.Context, externalID string) (crawler.Entity, error) {
	if s.tx == nil {
		return crawler.Entity{}, fmt.Errorf("session closed")
	}
	row := s.tx.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE external_id = ?", externalID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Entity{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, externalID)
	}
	if err != nil {
		return crawler.Entity{}, fmt.Errorf("get entity %s: %w", externalID, err)
	}
	return e, nil
}

// LinkRelation inserts the edge unless its triple already exists.
func (s *Session) LinkRelation(ctx context.Context, rel crawler.Relation) (bool, error) {
	if s.tx == nil {
		return false, fmt.Errorf("session closed")
	}
	var one int
	err := s.tx.QueryRowContext(ctx,
		"SELECT 1 FROM relations WHERE source_id = ? AND target_id = ? AND relation_type = ?",
		rel.SourceID, rel.TargetID, rel.RelationType,
	).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup relation: %w", err)
	}
	err = s.withSavepoint(ctx, func() error {
		_, err := s.tx.ExecContext(ctx,
			"INSERT INTO relations (source_id, target_id, relation_type, comment, created_at) VALUES (?, ?, ?, ?, ?)",
			rel.SourceID, rel.TargetID, rel.RelationType, rel.Comment, s.store.clock.Now(),
		)
		return err
	})
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert relation: %w", err)
	}
	return true, nil
}

func (s *Session) lookupID(ctx context.Context, externalID string) (int64, error) {
	if s.tx == nil {
		return 0, fmt.Errorf("session closed")
	}
	var id int64
	err := s.tx.QueryRowContext(ctx, "SELECT id FROM entities WHERE external_id = ?", externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", crawler.ErrNotFound, externalID)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup entity %s: %w", externalID, err)
	}
	return id, nil
}

func (s *Session) tryInsert(
	ctx context.Context,
	externalID string,
	f crawler.EntityFields,
	lastSeen *time.Time,
) (int64, error) {
	if s.tx == nil {
		return 0, fmt.Errorf("session closed")
	}
	unprocessed := true
	if f.Unprocessed != nil {
		unprocessed = *f.Unprocessed
	}
	pdf := false
	if f.PDFDownloaded != nil {
		pdf = *f.PDFDownloaded
	}
	var id int64
	err := s.withSavepoint(ctx, func() error {
		res, err := s.tx.ExecContext(ctx, `
INSERT INTO entities (
	external_id, title, category, detail_url, law_type, institution, document_number,
	gazette_number, publish_date, body, text_extracted_at, pdf_downloaded, artifact_path,
	processed_at, unprocessed, last_seen_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			externalID, f.Title, f.Category, f.DetailURL, f.LawType, f.Institution, f.DocumentNumber,
			f.GazetteNumber, f.PublishDate, f.Body, f.TextExtractedAt, pdf, f.ArtifactPath,
			f.ProcessedAt, unprocessed, lastSeen, s.store.clock.Now(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert entity %s: %w", externalID, err)
	}
	return id, nil
}

func (s *Session) merge(ctx context.Context, id int64, f crawler.EntityFields, lastSeen *time.Time) error {
	err := s.exec(ctx, `
UPDATE entities SET
	title = COALESCE(?, title),
	category = COALESCE(?, category),
	detail_url = COALESCE(?, detail_url),
	law_type = COALESCE(?, law_type),
	institution = COALESCE(?, institution),
	document_number = COALESCE(?, document_number),
	gazette_number = COALESCE(?, gazette_number),
	publish_date = COALESCE(?, publish_date),
	body = COALESCE(?, body),
	text_extracted_at = COALESCE(?, text_extracted_at),
	pdf_downloaded = COALESCE(?, pdf_downloaded),
	artifact_path = COALESCE(?, artifact_path),
	processed_at = COALESCE(?, processed_at),
	unprocessed = COALESCE(?, unprocessed),
	last_seen_at = COALESCE(?, last_seen_at)
WHERE id = ?`,
		f.Title, f.Category, f.DetailURL, f.LawType, f.Institution, f.DocumentNumber,
		f.GazetteNumber, f.PublishDate, f.Body, f.TextExtractedAt, f.PDFDownloaded, f.ArtifactPath,
		f.ProcessedAt, f.Unprocessed, lastSeen, id,
	)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", id, err)
	}
	return nil
}

func (s *Session) withSavepoint(ctx context.Context, fn func() error) error {
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT crawl_insert"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT crawl_insert"); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if _, relErr := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT crawl_insert"); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	_, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT crawl_insert")
	return err
}

func firstLine(query string) string {
	for i, r := range query {
		if r == '\n' && i > 0 {
			return query[:i]
		}
	}
	return query
}
