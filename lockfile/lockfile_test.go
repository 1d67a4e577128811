package lockfile

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireFresh(t *testing.T) {
	m := New(t.TempDir(), time.Hour)

	acquired, err := m.TryAcquire("cleanup", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// The lock file records its owner for diagnostics.
	data, err := os.ReadFile(m.Path("cleanup"))
	require.NoError(t, err)

	var o owner
	require.NoError(t, json.Unmarshal(data, &o))
	require.Equal(t, "cleanup", o.TaskID)
	require.Equal(t, os.Getpid(), o.PID)
}

func TestTryAcquireHeldLockFails(t *testing.T) {
	m := New(t.TempDir(), time.Hour)

	acquired, err := m.TryAcquire("cleanup", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A lock created one second ago with a 30 minute timeout is not stealable.
	acquired, err = m.TryAcquire("cleanup", 30*time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestTryAcquireStealsExpiredLock(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, time.Hour)

	acquired, err := m.TryAcquire("optimize-abc", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// Age the lock past its timeout.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(m.Path("optimize-abc"), old, old))

	acquired, err = m.TryAcquire("optimize-abc", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTryAcquireStealsFutureMtimeLock(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 24*time.Hour)

	acquired, err := m.TryAcquire("cleanup", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// An mtime two days ahead is past the one day drift window: corrupt.
	future := time.Now().Add(48 * time.Hour)
	require.NoError(t, os.Chtimes(m.Path("cleanup"), future, future))

	acquired, err = m.TryAcquire("cleanup", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestTryAcquireToleratesDrift(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 24*time.Hour)

	acquired, err := m.TryAcquire("cleanup", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// Ahead of the clock, but within the drift window: legitimate owner.
	future := time.Now().Add(12 * time.Hour)
	require.NoError(t, os.Chtimes(m.Path("cleanup"), future, future))

	acquired, err = m.TryAcquire("cleanup", time.Hour)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestStealResetsMtime(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, time.Hour)

	_, err := m.TryAcquire("cleanup", time.Minute)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(m.Path("cleanup"), old, old))

	acquired, err := m.TryAcquire("cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	info, err := os.Stat(m.Path("cleanup"))
	require.NoError(t, err)
	require.True(t, info.ModTime().After(old.Add(time.Minute)))
}

func TestRefreshBumpsMtime(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, time.Hour)

	_, err := m.TryAcquire("cleanup", time.Minute)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(m.Path("cleanup"), old, old))

	require.NoError(t, m.Refresh("cleanup"))

	info, err := os.Stat(m.Path("cleanup"))
	require.NoError(t, err)
	require.True(t, info.ModTime().After(old.Add(time.Minute)))
}

func TestRefreshMissingLock(t *testing.T) {
	m := New(t.TempDir(), time.Hour)
	require.Error(t, m.Refresh("cleanup"))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	m := New(t.TempDir(), 24*time.Hour, WithClock(func() time.Time { return now }))

	require.False(t, m.IsExpired(now.Add(-time.Minute), 30*time.Minute))
	require.True(t, m.IsExpired(now.Add(-time.Hour), 30*time.Minute))

	// Future beyond drift is corrupt, therefore expired.
	require.True(t, m.IsExpired(now.Add(48*time.Hour), 30*time.Minute))
	// Future within drift is legitimate.
	require.False(t, m.IsExpired(now.Add(12*time.Hour), 30*time.Minute))
}

func TestTryAcquireWithInjectedClock(t *testing.T) {
	dir := t.TempDir()
	base := time.Now()

	m := New(dir, time.Hour, WithClock(func() time.Time { return base }))
	acquired, err := m.TryAcquire("cleanup", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// Advance the clock past the timeout; the same manager may steal.
	later := New(dir, time.Hour, WithClock(func() time.Time { return base.Add(31 * time.Minute) }))
	acquired, err = later.TryAcquire("cleanup", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}
