package crawler

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
)

// Fetcher performs one logical HTTP exchange (retries included) and returns
// the raw response.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// EntityStore resolves entity identity and records relations.
type EntityStore interface {
	// Upsert creates or merges the entity and refreshes last_seen_at.
	Upsert(ctx context.Context, externalID string, fields EntityFields) (UpsertResult, error)
	// EnsureStub returns the entity, creating an unprocessed stub when absent.
	EnsureStub(ctx context.Context, externalID string, fields EntityFields) (Entity, bool, error)
	// Update merges fields into an existing entity without touching last_seen_at.
	Update(ctx context.Context, externalID string, fields EntityFields) error
	Get(ctx context.Context, externalID string) (Entity, error)
	// LinkRelation inserts the edge unless its triple already exists.
	LinkRelation(ctx context.Context, relation Relation) (bool, error)
}

// Session is an EntityStore bound to one transaction. Writes become durable
// on Flush; BeginItem/EndItem bracket a single work item.
type Session interface {
	EntityStore
	BeginItem(ctx context.Context) error
	EndItem(ctx context.Context, keep bool) error
	// WithSavepoint runs fn inside a nested savepoint. When fn fails its
	// writes are undone and the session stays usable for the rest of the item.
	WithSavepoint(ctx context.Context, fn func() error) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// SessionFactory opens worker-local sessions.
type SessionFactory interface {
	OpenSession(ctx context.Context) (Session, error)
}

// EntityLister reads work lists outside any worker session.
type EntityLister interface {
	ListEntities(ctx context.Context, filter EntityFilter) ([]Entity, error)
	CountRelations(ctx context.Context) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes entity events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of extracted text.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// WorkerEnv is everything one worker owns for the duration of a chunk.
type WorkerEnv struct {
	Index   int
	Fetcher Fetcher
	Session Session
	Logger  *zap.Logger
}

// EnvFactory builds a fresh WorkerEnv per chunk.
type EnvFactory interface {
	NewEnv(ctx context.Context, index int) (*WorkerEnv, error)
}

// Processor is one phase strategy driven by the batch scheduler.
type Processor interface {
	Name() string
	Items(ctx context.Context) ([]WorkItem, error)
	Process(ctx context.Context, env *WorkerEnv, item WorkItem) (Stats, error)
}
