package cache

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	compilercache "github.com/wolfeidau/compiler-cache"
	"github.com/wolfeidau/compiler-cache/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	cfg := compilercache.DefaultConfig()
	cfg.Dir = t.TempDir()

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))
	})
	return c
}

func testFingerprint(content string) compilercache.Fingerprint {
	return compilercache.NewFingerprint([]byte(content), "-O2 -g")
}

func TestStoreLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := testFingerprint("translation unit a")
	artifact := bytes.Repeat([]byte("object code "), 300)

	c.Store(ctx, fp, artifact)

	got, ok := c.Lookup(ctx, fp)
	require.True(t, ok)
	require.Equal(t, artifact, got)
}

func TestLookupMissingKey(t *testing.T) {
	c := newTestCache(t)

	got, ok := c.Lookup(context.Background(), testFingerprint("never compiled"))
	require.False(t, ok)
	require.Nil(t, got)
}

func TestStoreIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := testFingerprint("translation unit a")
	artifact := []byte("same output both times")

	c.Store(ctx, fp, artifact)
	c.Store(ctx, fp, artifact)

	got, ok := c.Lookup(ctx, fp)
	require.True(t, ok)
	require.Equal(t, artifact, got)

	// One payload and one stats file; the second store replaced, not added.
	// Lock files from a background cleanup pass may also be present.
	st, err := store.New(c.Dir())
	require.NoError(t, err)
	defer st.Close()

	snap, err := st.Scan()
	require.NoError(t, err)
	require.Equal(t, 1, snap.CompleteCount())
	require.Len(t, snap.Entries, 1)
}

func TestLookupCorruptPayloadDegradesToMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := testFingerprint("translation unit a")

	c.Store(ctx, fp, []byte("valid artifact"))

	st, err := store.New(c.Dir())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, os.WriteFile(st.ArtifactPath(fp), []byte("garbage, not zstd"), 0644))

	got, ok := c.Lookup(ctx, fp)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestDisabledCacheIsInert(t *testing.T) {
	cfg := compilercache.DefaultConfig()
	cfg.Enabled = false
	dir := t.TempDir()
	cfg.Dir = dir

	c, err := New(cfg)
	require.NoError(t, err)
	require.Empty(t, c.Dir())

	ctx := context.Background()
	fp := testFingerprint("anything")

	c.Store(ctx, fp, []byte("artifact"))
	got, ok := c.Lookup(ctx, fp)
	require.False(t, ok)
	require.Nil(t, got)

	// The directory stays untouched.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, c.Close(ctx))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := compilercache.DefaultConfig()
	cfg.Dir = ""

	_, err := New(cfg)
	require.Error(t, err)
}

func TestLookupRecordsUsageAsynchronously(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := testFingerprint("translation unit a")

	c.Store(ctx, fp, []byte("artifact"))

	_, ok := c.Lookup(ctx, fp)
	require.True(t, ok)

	st, err := store.New(c.Dir())
	require.NoError(t, err)
	defer st.Close()

	require.Eventually(t, func() bool {
		stats, err := st.ReadStats(fp)
		return err == nil && stats.UsageCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCleanupForcesPass(t *testing.T) {
	cfg := compilercache.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.FileCountSoftLimit = 2
	cfg.FileCountLimitPercent = 0.5

	c, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	defer c.Close(ctx)

	for _, name := range []string{"a", "b", "c", "d"} {
		c.Store(ctx, testFingerprint(name), []byte("artifact "+name))
	}

	result := c.Cleanup(ctx)
	require.NotNil(t, result)

	st, err := store.New(c.Dir())
	require.NoError(t, err)
	defer st.Close()

	snap, err := st.Scan()
	require.NoError(t, err)
	require.LessOrEqual(t, snap.CompleteCount(), 1)
}

func TestCleanupOnDisabledCache(t *testing.T) {
	cfg := compilercache.DefaultConfig()
	cfg.Enabled = false

	c, err := New(cfg)
	require.NoError(t, err)

	result := c.Cleanup(context.Background())
	require.NotNil(t, result)
	require.Zero(t, result.EntriesEvicted)
}
