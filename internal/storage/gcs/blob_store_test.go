package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	gcsapi "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/legal-registry-crawler/internal/storage/gcs"
)

func newTestStore(t *testing.T, cfg gcs.Config, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcsapi.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotPath  string
		gotName  string
		gotBody  string
		requests int
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests++
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotBody = string(body)
		mu.Unlock()
		_, _ = fmt.Fprintln(w, `{"name":"acts/documents/101.pdf","bucket":"registry"}`)
	})

	store := newTestStore(t, gcs.Config{Bucket: "registry", Prefix: "/acts/"}, handler)
	uri, err := store.PutObject(context.Background(), "documents/101.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)
	assert.Equal(t, "gs://registry/acts/documents/101.pdf", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, requests)
	assert.Contains(t, gotPath, "/upload/storage/v1/b/registry/o")
	assert.Equal(t, "acts/documents/101.pdf", gotName)
	assert.Contains(t, gotBody, "%PDF-1.4")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, gcs.Config{Bucket: "registry"}, handler)
	_, err := store.PutObject(context.Background(), "documents/1.pdf", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := gcsapi.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)

	store, err := gcs.New(client, gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
