package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
)

const (
	itemSavepoint   = "crawl_item"
	entrySavepoint  = "crawl_entry"
	insertSavepoint = "crawl_insert"
)

// Session is a worker-local transaction. Writes become durable on Flush.
type Session struct {
	store *Store
	tx    pgx.Tx
}

var _ crawler.Session = (*Session)(nil)

// BeginItem marks the start of a work item.
func (s *Session) BeginItem(ctx context.Context) error {
	return s.exec(ctx, "SAVEPOINT "+itemSavepoint)
}

// EndItem releases the item savepoint, or rolls back to it when keep is false.
func (s *Session) EndItem(ctx context.Context, keep bool) error {
	if keep {
		return s.exec(ctx, "RELEASE SAVEPOINT "+itemSavepoint)
	}
	return s.exec(ctx, "ROLLBACK TO SAVEPOINT "+itemSavepoint)
}

// WithSavepoint implements crawler.Session.
func (s *Session) WithSavepoint(ctx context.Context, fn func() error) error {
	if err := s.exec(ctx, "SAVEPOINT "+entrySavepoint); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+entrySavepoint); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := s.exec(ctx, "RELEASE SAVEPOINT "+entrySavepoint); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return s.exec(ctx, "RELEASE SAVEPOINT "+entrySavepoint)
}

// Flush commits the transaction and starts the next one.
func (s *Session) Flush(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("session closed")
	}
	if err := s.tx.Commit(ctx); err != nil {
		s.tx = nil
		return fmt.Errorf("commit: %w", err)
	}
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		s.tx = nil
		return fmt.Errorf("begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Close rolls back anything not flushed.
func (s *Session) Close(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *Session) exec(ctx context.Context, sql string, args ...any) error {
	if s.tx == nil {
		return fmt.Errorf("session closed")
	}
	if _, err := s.tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: %w", sql, err)
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
		if created {
			return crawler.Entity{}, false, err
		}
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
	row := s.tx.QueryRow(ctx, "SELECT "+entityColumns+" FROM entities WHERE external_id = $1", externalID)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.tx.QueryRow(ctx,
		"SELECT 1 FROM relations WHERE source_id = $1 AND target_id = $2 AND relation_type = $3",
		rel.SourceID, rel.TargetID, rel.RelationType,
	).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("lookup relation: %w", err)
	}

	err = s.withSavepoint(ctx, func() error {
		_, err := s.tx.Exec(ctx,
			"INSERT INTO relations (source_id, target_id, relation_type, comment) VALUES ($1, $2, $3, $4)",
			rel.SourceID, rel.TargetID, rel.RelationType, rel.Comment,
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
	err := s.tx.QueryRow(ctx, "SELECT id FROM entities WHERE external_id = $1", externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", crawler.ErrNotFound, externalID)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup entity %s: %w", externalID, err)
	}
	return id, nil
}

// tryInsert inserts inside its own savepoint so a unique violation leaves
// the surrounding item intact.
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
		return s.tx.QueryRow(ctx, `
INSERT INTO entities (
	external_id, title, category, detail_url, law_type, institution, document_number,
	gazette_number, publish_date, body, text_extracted_at, pdf_downloaded, artifact_path,
	processed_at, unprocessed, last_seen_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING id`,
			externalID, f.Title, f.Category, f.DetailURL, f.LawType, f.Institution, f.DocumentNumber,
			f.GazetteNumber, f.PublishDate, f.Body, f.TextExtractedAt, pdf, f.ArtifactPath,
			f.ProcessedAt, unprocessed, lastSeen, s.store.clock.Now(),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert entity %s: %w", externalID, err)
	}
	return id, nil
}

// fallbackUpdate runs once after an insert lost a uniqueness race.
func (s *Session) fallbackUpdate(
	ctx context.Context,
	externalID string,
	f crawler.EntityFields,
	lastSeen *time.Time,
) (int64, error) {
	id, err := s.lookupID(ctx, externalID)
	if err == nil {
		err = s.merge(ctx, id, f, lastSeen)
	}
	if err != nil {
		return 0, &crawler.ConflictError{ExternalID: externalID, Err: err}
	}
	return id, nil
}

// merge applies non-nil fields; a nil lastSeen leaves last_seen_at alone.
func (s *Session) merge(ctx context.Context, id int64, f crawler.EntityFields, lastSeen *time.Time) error {
	err := s.exec(ctx, `
UPDATE entities SET
	title = COALESCE($2, title),
	category = COALESCE($3, category),
	detail_url = COALESCE($4, detail_url),
	law_type = COALESCE($5, law_type),
	institution = COALESCE($6, institution),
	document_number = COALESCE($7, document_number),
	gazette_number = COALESCE($8, gazette_number),
	publish_date = COALESCE($9, publish_date),
	body = COALESCE($10, body),
	text_extracted_at = COALESCE($11, text_extracted_at),
	pdf_downloaded = COALESCE($12, pdf_downloaded),
	artifact_path = COALESCE($13, artifact_path),
	processed_at = COALESCE($14, processed_at),
	unprocessed = COALESCE($15, unprocessed),
	last_seen_at = GREATEST(COALESCE($16, last_seen_at), last_seen_at)
WHERE id = $1`,
		id, f.Title, f.Category, f.DetailURL, f.LawType, f.Institution, f.DocumentNumber,
		f.GazetteNumber, f.PublishDate, f.Body, f.TextExtractedAt, f.PDFDownloaded, f.ArtifactPath,
		f.ProcessedAt, f.Unprocessed, lastSeen,
	)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", id, err)
	}
	return nil
}

func (s *Session) withSavepoint(ctx context.Context, fn func() error) error {
	if _, err := s.tx.Exec(ctx, "SAVEPOINT "+insertSavepoint); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+insertSavepoint); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	_, err := s.tx.Exec(ctx, "RELEASE SAVEPOINT "+insertSavepoint)
	return err
}
