// Package lockfile provides filesystem-mediated mutual exclusion for cache
// maintenance tasks shared between independent processes.
//
// A lock is a plain file whose modification time encodes ownership: whoever
// created or last refreshed it owns the task until the configured timeout
// elapses. Locks are never explicitly released; a crashed holder's lock
// simply ages out, which is what makes the protocol crash-safe. The
// exclusion is best-effort rather than linearizable: two workers may race a
// steal and both proceed, which is acceptable because guarded tasks are
// idempotent.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Suffix is the file name suffix for lock files.
const Suffix = ".lock"

// owner is the diagnostic payload written into a lock file. Ownership is
// derived from the file's mtime, never from this content.
type owner struct {
	ID       string    `json:"id"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	TaskID   string    `json:"task_id"`
	Acquired time.Time `json:"acquired"`
}

// Manager acquires and refreshes lock files inside one directory.
type Manager struct {
	dir     string
	drift   time.Duration
	ownerID string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a lock manager for the given directory. drift is the allowed
// clock drift: a lock whose mtime is further in the future than drift is
// treated as corrupt and stolen.
func New(dir string, drift time.Duration, opts ...Option) *Manager {
	m := &Manager{
		dir:     dir,
		drift:   drift,
		ownerID: uuid.NewString(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the lock file path for a task.
func (m *Manager) Path(task string) string {
	return filepath.Join(m.dir, task+Suffix)
}

// TryAcquire attempts to claim the named task. It returns true when this
// process now owns the task, false when another owner is active. An error is
// returned only for unexpected I/O failures; contention is not an error.
//
// Acquisition succeeds by atomically creating the lock file, or by stealing
// an existing one whose mtime is either expired (older than timeout) or
// corrupt (further in the future than the allowed clock drift).
func (m *Manager) TryAcquire(task string, timeout time.Duration) (bool, error) {
	path := m.Path(task)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		werr := m.writeOwner(f, task)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			// The claim stands on file existence; a failed payload write is
			// only a loss of diagnostics.
			m.logger.Debug("lock owner payload not written", "task", task, "error", errors.Join(werr, cerr))
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("creating lock file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Holder vanished between create and stat; next attempt wins.
			return false, nil
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}

	now := m.now()
	mtime := info.ModTime()

	switch {
	case mtime.After(now.Add(m.drift)):
		// mtime beyond the drift window is not a legitimate owner.
		return m.steal(task, "future mtime")
	case now.Sub(mtime) > timeout:
		return m.steal(task, "expired")
	default:
		return false, nil
	}
}

// steal overwrites a stale lock, resetting its mtime to now. The write is
// atomic, but two workers deciding to steal simultaneously may both succeed.
func (m *Manager) steal(task, reason string) (bool, error) {
	path := m.Path(task)

	payload, err := m.ownerPayload(task)
	if err != nil {
		payload = nil
	}

	tmp, err := os.CreateTemp(m.dir, ".tmp-lock-*")
	if err != nil {
		return false, fmt.Errorf("creating temp lock file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("writing temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("closing temp lock file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return false, fmt.Errorf("stealing lock file: %w", err)
	}

	m.logger.Debug("stole stale lock", "task", task, "reason", reason)
	return true, nil
}

// Refresh bumps the lock's mtime to now, extending ownership. Used by the
// cleanup task to record completion time.
func (m *Manager) Refresh(task string) error {
	now := m.now()
	if err := os.Chtimes(m.Path(task), now, now); err != nil {
		return fmt.Errorf("refreshing lock file: %w", err)
	}
	return nil
}

// IsExpired reports whether a lock's mtime is past the timeout, or corrupt
// (further in the future than the allowed clock drift). Used by cleanup when
// sweeping stale lock files.
func (m *Manager) IsExpired(mtime time.Time, timeout time.Duration) bool {
	now := m.now()
	if mtime.After(now.Add(m.drift)) {
		return true
	}
	return now.Sub(mtime) > timeout
}

func (m *Manager) writeOwner(f *os.File, task string) error {
	payload, err := m.ownerPayload(task)
	if err != nil {
		return err
	}
	_, err = f.Write(payload)
	return err
}

func (m *Manager) ownerPayload(task string) ([]byte, error) {
	hostname, _ := os.Hostname()
	return json.Marshal(owner{
		ID:       m.ownerID,
		PID:      os.Getpid(),
		Hostname: hostname,
		TaskID:   task,
		Acquired: m.now(),
	})
}
