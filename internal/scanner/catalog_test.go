package scanner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T, maxAge time.Duration) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"), maxAge)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalogRoundTrip(t *testing.T) {
	c := openTestCatalog(t, 5*time.Minute)
	ctx := context.Background()
	mtime := time.Now().UTC().Truncate(time.Second)

	meta := transcriptMeta{SessionID: "sess-1", GitBranch: "main", Title: "Fix the watcher"}
	require.NoError(t, c.Put(ctx, "/tmp/t.jsonl", mtime, meta))

	got, ok, err := c.Get(ctx, "/tmp/t.jsonl", mtime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, got)

	_, ok, err = c.Get(ctx, "/tmp/other.jsonl", mtime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogInvalidatesOnMtimeChange(t *testing.T) {
	c := openTestCatalog(t, 5*time.Minute)
	ctx := context.Background()
	mtime := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, c.Put(ctx, "/tmp/t.jsonl", mtime, transcriptMeta{SessionID: "sess-1"}))

	// The file was appended to since caching.
	_, ok, err := c.Get(ctx, "/tmp/t.jsonl", mtime.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogUpsertReplaces(t *testing.T) {
	c := openTestCatalog(t, 5*time.Minute)
	ctx := context.Background()
	mtime := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, c.Put(ctx, "/tmp/t.jsonl", mtime, transcriptMeta{SessionID: "sess-1", Title: "old"}))
	require.NoError(t, c.Put(ctx, "/tmp/t.jsonl", mtime, transcriptMeta{SessionID: "sess-1", Title: "new"}))

	got, ok, err := c.Get(ctx, "/tmp/t.jsonl", mtime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.Title)
}

func TestCatalogExpiry(t *testing.T) {
	c := openTestCatalog(t, 1*time.Millisecond)
	ctx := context.Background()
	mtime := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, c.Put(ctx, "/tmp/t.jsonl", mtime, transcriptMeta{SessionID: "sess-1"}))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "/tmp/t.jsonl", mtime)
	require.NoError(t, err)
	assert.False(t, ok)
}
