package worker

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/wolfeidau/compiler-cache/store"
	"github.com/wolfeidau/compiler-cache/telemetry"
)

// CleanupResult contains the results of one cleanup pass.
type CleanupResult struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	UnrecognizedDeleted int           `json:"unrecognized_deleted"`
	ExpiredLocksDeleted int           `json:"expired_locks_deleted"`
	OrphansDeleted      int           `json:"orphans_deleted"`
	EntriesEvicted      int           `json:"entries_evicted"`
	BytesReclaimed      int64         `json:"bytes_reclaimed"`
	Errors              int           `json:"errors,omitempty"`
}

// RunCleanup performs one full cleanup pass: sweep foreign and stale files,
// then shrink each exceeded budget below its post-cleanup target. The pass
// is idempotent and safe to run redundantly from several processes at once;
// callers normally serialize it through the cleanup lock, but redundant runs
// waste work rather than corrupt state.
func (w *Worker) RunCleanup(ctx context.Context) *CleanupResult {
	result := &CleanupResult{StartedAt: w.now()}
	defer func() {
		result.Duration = w.now().Sub(result.StartedAt)
		telemetry.RecordCleanupRun(ctx, result.Duration,
			result.UnrecognizedDeleted+result.ExpiredLocksDeleted+result.OrphansDeleted+result.EntriesEvicted,
			result.BytesReclaimed)
	}()

	snap, err := w.store.Scan()
	if err != nil {
		w.logger.Error("cleanup scan failed", "error", err)
		result.Errors++
		return result
	}

	w.sweepUnrecognized(snap, result)
	w.sweepExpiredLocks(snap, result)
	w.sweepOrphans(snap, result)
	w.evictOverBudget(ctx, snap, result)

	// Record completion by bumping the cleanup lock's timestamp. No release
	// write follows; the lock's age is the elapsed-since-cleanup signal.
	if err := w.locks.Refresh(CleanupLockTask); err != nil {
		w.logger.Debug("cleanup lock refresh failed", "error", err)
	}

	telemetry.UpdateDirectoryState(ctx, snap.CompleteCount()-result.EntriesEvicted, snap.TotalPayloadSize()-result.BytesReclaimed)

	return result
}

// sweepUnrecognized deletes files that are neither entry halves nor lock
// files, including leftover temp files from crashed writes.
func (w *Worker) sweepUnrecognized(snap *store.Snapshot, result *CleanupResult) {
	for _, path := range snap.Unrecognized {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("deleting unrecognized file failed", "path", path, "error", err)
			result.Errors++
			continue
		}
		result.UnrecognizedDeleted++
		w.logger.Debug("deleted unrecognized file", "path", path)
	}
}

// sweepExpiredLocks deletes stale lock files. The cleanup lock itself is
// exempt: the running pass holds it, and its mtime records the last pass.
func (w *Worker) sweepExpiredLocks(snap *store.Snapshot, result *CleanupResult) {
	for _, lock := range snap.Locks {
		if lock.Name == CleanupLockTask {
			continue
		}
		if !w.locks.IsExpired(lock.ModTime, w.config.OptimizeTaskTimeout) {
			continue
		}
		if err := os.Remove(lock.Path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("deleting expired lock failed", "path", lock.Path, "error", err)
			result.Errors++
			continue
		}
		result.ExpiredLocksDeleted++
		w.logger.Debug("deleted expired lock", "task", lock.Name)
	}
}

// sweepOrphans removes entries missing one half of the payload/stats pair,
// the observable trace of a crash between the two writes.
func (w *Worker) sweepOrphans(snap *store.Snapshot, result *CleanupResult) {
	for _, e := range snap.Entries {
		if e.Complete() {
			continue
		}
		if err := w.store.Remove(e.Fingerprint); err != nil {
			w.logger.Warn("deleting orphaned entry failed",
				"fingerprint", e.Fingerprint.ShortString(), "error", err)
			result.Errors++
			continue
		}
		result.OrphansDeleted++
		if e.HasPayload {
			result.BytesReclaimed += e.Size
		}
		w.logger.Debug("deleted orphaned entry", "fingerprint", e.Fingerprint.ShortString())
	}
}

// evictOverBudget checks the file-count and total-size budgets independently
// and, for each exceeded budget, deletes entries oldest-first until usage is
// at or below softLimit × limitPercent.
//
// An entry whose mtime lies further in the future than the allowed clock
// drift ranks first for eviction rather than last: a clock-skewed write must
// not become permanently un-evictable by looking "most recently used".
func (w *Worker) evictOverBudget(ctx context.Context, snap *store.Snapshot, result *CleanupResult) {
	entries := make([]store.EntryInfo, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Complete() {
			entries = append(entries, e)
		}
	}

	count := len(entries)
	var totalSize int64
	for _, e := range entries {
		totalSize += e.Size
	}

	overCount := w.config.FileCountSoftLimit > 0 && count > w.config.FileCountSoftLimit
	overSize := w.config.TotalSizeSoftLimit > 0 && totalSize > w.config.TotalSizeSoftLimit
	if !overCount && !overSize {
		return
	}

	countTarget := int(float64(w.config.FileCountSoftLimit) * w.config.FileCountLimitPercent)
	sizeTarget := int64(float64(w.config.TotalSizeSoftLimit) * w.config.TotalSizeLimitPercent)

	horizon := w.now().Add(w.config.AllowedClockDrift)
	suspicious := func(e store.EntryInfo) bool { return e.ModTime.After(horizon) }

	sort.SliceStable(entries, func(i, j int) bool {
		si, sj := suspicious(entries[i]), suspicious(entries[j])
		if si != sj {
			return si
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})

	for _, e := range entries {
		needCount := overCount && count > countTarget
		needSize := overSize && totalSize > sizeTarget
		if !needCount && !needSize {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.store.Remove(e.Fingerprint); err != nil {
			w.logger.Warn("evicting entry failed",
				"fingerprint", e.Fingerprint.ShortString(), "error", err)
			result.Errors++
			continue
		}

		count--
		totalSize -= e.Size
		result.EntriesEvicted++
		result.BytesReclaimed += e.Size

		w.logger.Debug("evicted entry",
			"fingerprint", e.Fingerprint.ShortString(),
			"mtime", e.ModTime,
			"size", e.Size,
		)
	}
}
