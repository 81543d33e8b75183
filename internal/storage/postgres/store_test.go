package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

func newSession(t *testing.T) (pgxmock.PgxPoolIface, *Session) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, system.NewManual(time.Unix(1700000000, 0)), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	sess, err := store.OpenSession(context.Background())
	require.NoError(t, err)
	return mock, sess.(*Session)
}

func idRows(mock pgxmock.PgxPoolIface, ids ...int64) *pgxmock.Rows {
	rows := mock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil, nil)
	require.Error(t, err)
}

func TestUpsertUpdatesExistingEntity(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").
		WithArgs("42").
		WillReturnRows(idRows(mock, 7))
	mock.ExpectExec("UPDATE entities SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res, err := sess.Upsert(context.Background(), "42", crawler.EntityFields{DetailURL: crawler.String("https://x/ActDetail.aspx?ActID=42")})
	require.NoError(t, err)
	assert.Equal(t, crawler.UpsertResult{ID: 7, Outcome: crawler.OutcomeUpdated}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInsertsMissingEntity(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").
		WithArgs("42").
		WillReturnRows(idRows(mock))
	mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("INSERT INTO entities").WillReturnRows(idRows(mock, 11))
	mock.ExpectExec("^RELEASE SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("RELEASE", 0))

	res, err := sess.Upsert(context.Background(), "42", crawler.EntityFields{Category: crawler.String("LocalInstActs")})
	require.NoError(t, err)
	assert.Equal(t, crawler.UpsertResult{ID: 11, Outcome: crawler.OutcomeCreated}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetriesAsUpdateAfterUniqueViolation(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock))
	mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("INSERT INTO entities").WillReturnError(uniqueViolation())
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock, 5))
	mock.ExpectExec("UPDATE entities SET").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res, err := sess.Upsert(context.Background(), "42", crawler.EntityFields{})
	require.NoError(t, err)
	assert.Equal(t, crawler.UpsertResult{ID: 5, Outcome: crawler.OutcomeUpdated}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConflictWhenFallbackFails(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock))
	mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("INSERT INTO entities").WillReturnError(uniqueViolation())
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock, 5))
	mock.ExpectExec("UPDATE entities SET").WillReturnError(errors.New("lock timeout"))

	_, err := sess.Upsert(context.Background(), "42", crawler.EntityFields{})
	require.ErrorIs(t, err, crawler.ErrConflict)
	var conflict *crawler.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "42", conflict.ExternalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPropagatesOtherInsertErrors(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock))
	mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("INSERT INTO entities").WillReturnError(errors.New("disk full"))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))

	_, err := sess.Upsert(context.Background(), "42", crawler.EntityFields{})
	require.ErrorContains(t, err, "disk full")
	assert.NotErrorIs(t, err, crawler.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingEntity(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectQuery("SELECT id FROM entities WHERE external_id").WillReturnRows(idRows(mock))

	err := sess.Update(context.Background(), "404", crawler.EntityFields{Body: crawler.String("text")})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkRelation(t *testing.T) {
	t.Parallel()

	rel := crawler.Relation{SourceID: 1, TargetID: 2, RelationType: "shfuqizon", Comment: crawler.String("shfuqizon")}

	t.Run("existing triple", func(t *testing.T) {
		t.Parallel()
		mock, sess := newSession(t)
		mock.ExpectQuery("SELECT 1 FROM relations").
			WithArgs(int64(1), int64(2), "shfuqizon").
			WillReturnRows(mock.NewRows([]string{"one"}).AddRow(1))

		created, err := sess.LinkRelation(context.Background(), rel)
		require.NoError(t, err)
		assert.False(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("new triple", func(t *testing.T) {
		t.Parallel()
		mock, sess := newSession(t)
		mock.ExpectQuery("SELECT 1 FROM relations").WillReturnRows(mock.NewRows([]string{"one"}))
		mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
		mock.ExpectExec("INSERT INTO relations").
			WithArgs(int64(1), int64(2), "shfuqizon", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("^RELEASE SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("RELEASE", 0))

		created, err := sess.LinkRelation(context.Background(), rel)
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race", func(t *testing.T) {
		t.Parallel()
		mock, sess := newSession(t)
		mock.ExpectQuery("SELECT 1 FROM relations").WillReturnRows(mock.NewRows([]string{"one"}))
		mock.ExpectExec("^SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
		mock.ExpectExec("INSERT INTO relations").WillReturnError(uniqueViolation())
		mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_insert").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))

		created, err := sess.LinkRelation(context.Background(), rel)
		require.NoError(t, err)
		assert.False(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionItemMarksFlushAndClose(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	ctx := context.Background()
	mock.ExpectExec("^SAVEPOINT crawl_item").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_item").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec("^SAVEPOINT crawl_item").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("^RELEASE SAVEPOINT crawl_item").WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	require.NoError(t, sess.BeginItem(ctx))
	require.NoError(t, sess.EndItem(ctx, false))
	require.NoError(t, sess.BeginItem(ctx))
	require.NoError(t, sess.EndItem(ctx, true))
	require.NoError(t, sess.Flush(ctx))
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithSavepointRollsBackFailedEntry(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	ctx := context.Background()
	mock.ExpectExec("^SAVEPOINT crawl_entry").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("^RELEASE SAVEPOINT crawl_entry").WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectExec("^SAVEPOINT crawl_entry").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT crawl_entry").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec("^RELEASE SAVEPOINT crawl_entry").WillReturnResult(pgxmock.NewResult("RELEASE", 0))

	require.NoError(t, sess.WithSavepoint(ctx, func() error { return nil }))
	err := sess.WithSavepoint(ctx, func() error { return errors.New("value too long for column") })
	require.EqualError(t, err, "value too long for column")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushCommitFailure(t *testing.T) {
	t.Parallel()

	mock, sess := newSession(t)
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	require.ErrorContains(t, sess.Flush(context.Background()), "connection reset")
	require.Error(t, sess.BeginItem(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndCountRelations(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewWithPool(mock, nil, nil)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entities").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT count").WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(3)))

	require.NoError(t, store.EnsureSchema(context.Background()))
	n, err := store.CountRelations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(uniqueViolation()))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", uniqueViolation())))
	assert.True(t, isUniqueViolation(errors.New("ERROR: duplicate key (SQLSTATE 23505)")))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}
