package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

func openStore(t *testing.T) (*Store, *system.Manual) {
	t.Helper()
	clk := system.NewManual(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store, err := Open(context.Background(), ":memory:", clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store, clk
}

func withSession(t *testing.T, store *Store, fn func(crawler.Session)) {
	t.Helper()
	ctx := context.Background()
	sess, err := store.OpenSession(ctx)
	require.NoError(t, err)
	fn(sess)
	require.NoError(t, sess.Flush(ctx))
	require.NoError(t, sess.Close(ctx))
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store, clk := openStore(t)
	ctx := context.Background()

	var first, second crawler.Entity
	withSession(t, store, func(sess crawler.Session) {
		res, err := sess.Upsert(ctx, "101", crawler.EntityFields{
			Category:  crawler.String("LocalInstActs"),
			DetailURL: crawler.String("https://x/ActDetail.aspx?ActID=101"),
		})
		require.NoError(t, err)
		assert.Equal(t, crawler.OutcomeCreated, res.Outcome)
		first, err = sess.Get(ctx, "101")
		require.NoError(t, err)
	})

	clk.Advance(time.Hour)
	withSession(t, store, func(sess crawler.Session) {
		res, err := sess.Upsert(ctx, "101", crawler.EntityFields{DetailURL: crawler.String("https://x/ActDetail.aspx?ActID=101&lang=en")})
		require.NoError(t, err)
		assert.Equal(t, crawler.OutcomeUpdated, res.Outcome)
		assert.Equal(t, first.ID, res.ID)
		second, err = sess.Get(ctx, "101")
		require.NoError(t, err)
	})

	all, err := store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	assert.True(t, second.Unprocessed)
	assert.Equal(t, "LocalInstActs", crawler.Deref(second.Category))
	assert.Equal(t, "https://x/ActDetail.aspx?ActID=101&lang=en", crawler.Deref(second.DetailURL))
	require.NotNil(t, first.LastSeenAt)
	require.NotNil(t, second.LastSeenAt)
	assert.True(t, second.LastSeenAt.After(*first.LastSeenAt))
}

func TestUpdateLeavesLastSeenAndKeepsUnsetFields(t *testing.T) {
	t.Parallel()

	store, clk := openStore(t)
	ctx := context.Background()

	withSession(t, store, func(sess crawler.Session) {
		_, err := sess.Upsert(ctx, "7", crawler.EntityFields{Title: crawler.String("Rregullore")})
		require.NoError(t, err)
	})
	before := clk.Now()
	clk.Advance(time.Hour)

	withSession(t, store, func(sess crawler.Session) {
		require.NoError(t, sess.Update(ctx, "7", crawler.EntityFields{
			Body:        crawler.String("Neni 1"),
			Unprocessed: crawler.Bool(false),
			ProcessedAt: crawler.Time(clk.Now()),
		}))
		e, err := sess.Get(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, "Rregullore", crawler.Deref(e.Title))
		assert.Equal(t, "Neni 1", crawler.Deref(e.Body))
		assert.False(t, e.Unprocessed)
		require.NotNil(t, e.LastSeenAt)
		assert.True(t, e.LastSeenAt.Equal(before))

		require.ErrorIs(t, sess.Update(ctx, "8", crawler.EntityFields{}), crawler.ErrNotFound)
	})

	unprocessed, err := store.ListEntities(ctx, crawler.EntityFilter{Unprocessed: crawler.Bool(true)})
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestEnsureStubAndRelationDedup(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	for range 2 {
		withSession(t, store, func(sess crawler.Session) {
			res, err := sess.Upsert(ctx, "1", crawler.EntityFields{Category: crawler.String("LocalInstActs")})
			require.NoError(t, err)

			target, _, err := sess.EnsureStub(ctx, "2", crawler.EntityFields{Category: crawler.String("LocalInstActs")})
			require.NoError(t, err)
			assert.True(t, target.Unprocessed)
			assert.Nil(t, target.LastSeenAt)

			_, err = sess.LinkRelation(ctx, crawler.Relation{
				SourceID: res.ID, TargetID: target.ID, RelationType: "ndryshon", Comment: crawler.String("ndryshon"),
			})
			require.NoError(t, err)
		})
	}

	n, err := store.CountRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	all, err := store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEndItemRollbackDiscardsItemWrites(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	withSession(t, store, func(sess crawler.Session) {
		require.NoError(t, sess.BeginItem(ctx))
		_, err := sess.Upsert(ctx, "1", crawler.EntityFields{})
		require.NoError(t, err)
		require.NoError(t, sess.EndItem(ctx, true))

		require.NoError(t, sess.BeginItem(ctx))
		_, err = sess.Upsert(ctx, "2", crawler.EntityFields{})
		require.NoError(t, err)
		require.NoError(t, sess.EndItem(ctx, false))
	})

	all, err := store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1", all[0].ExternalID)
}

func TestCloseWithoutFlushDiscards(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	sess, err := store.OpenSession(ctx)
	require.NoError(t, err)
	_, err = sess.Upsert(ctx, "9", crawler.EntityFields{})
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx))

	all, err := store.ListEntities(ctx, crawler.EntityFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.db.ExecContext(ctx, "INSERT INTO entities (external_id, created_at) VALUES (?, ?)", "dup", now)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, "INSERT INTO entities (external_id, created_at) VALUES (?, ?)", "dup", now)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
	assert.False(t, isUniqueViolation(nil))
}

func TestFallbackUpdateMergesIntoWinningRow(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	withSession(t, store, func(sess crawler.Session) {
		created, err := sess.Upsert(ctx, "77", crawler.EntityFields{Category: crawler.String("LocalInstActs")})
		require.NoError(t, err)

		s, ok := sess.(*Session)
		require.True(t, ok)
		seen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		id, err := s.fallbackUpdate(ctx, "77", crawler.EntityFields{Title: crawler.String("Rregullore")}, &seen)
		require.NoError(t, err)
		assert.Equal(t, created.ID, id)

		got, err := sess.Get(ctx, "77")
		require.NoError(t, err)
		assert.Equal(t, "Rregullore", crawler.Deref(got.Title))
		assert.Equal(t, "LocalInstActs", crawler.Deref(got.Category))

		_, err = s.fallbackUpdate(ctx, "missing", crawler.EntityFields{}, &seen)
		require.Error(t, err)
		assert.ErrorIs(t, err, crawler.ErrConflict)
		assert.ErrorIs(t, err, crawler.ErrNotFound)
	})
}

func TestWithSavepointUndoesOnlyFailedEntry(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	withSession(t, store, func(sess crawler.Session) {
		require.NoError(t, sess.WithSavepoint(ctx, func() error {
			_, err := sess.Upsert(ctx, "1", crawler.EntityFields{})
			return err
		}))
		err := sess.WithSavepoint(ctx, func() error {
			if _, err := sess.Upsert(ctx, "2", crawler.EntityFields{}); err != nil {
				return err
			}
			return errors.New("value too long for column")
		})
		require.EqualError(t, err, "value too long for column")
		_, err = sess.Upsert(ctx, "3", crawler.EntityFields{})
		require.NoError(t, err)
	})

	all, err := store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.ExternalID)
	}
	assert.Equal(t, []string{"1", "3"}, ids)
}
