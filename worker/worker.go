// Package worker runs the cache's background maintenance: usage accounting,
// opportunistic recompression and periodic cleanup. One worker goroutine
// runs per process, fed by a bounded in-process event queue; workers in
// other processes are coordinated with purely through lock files in the
// shared cache directory.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	compilercache "github.com/wolfeidau/compiler-cache"
	"github.com/wolfeidau/compiler-cache/lockfile"
	"github.com/wolfeidau/compiler-cache/store"
	"github.com/wolfeidau/compiler-cache/telemetry"
)

// CleanupLockTask is the lock task name serializing cleanup passes across
// processes. Its mtime doubles as the completion time of the last pass.
const CleanupLockTask = "cleanup"

// EventKind discriminates queue events.
type EventKind int

const (
	// EventGet records that the front end served a lookup for a key.
	EventGet EventKind = iota
	// EventUpdate records that the front end stored a fresh artifact.
	EventUpdate
)

// String returns the event kind name for logs.
func (k EventKind) String() string {
	switch k {
	case EventGet:
		return "get"
	case EventUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Event is one queue entry. Events are transient and in-memory only; they
// are lost on queue overflow or process exit, by design.
type Event struct {
	Kind        EventKind
	Fingerprint compilercache.Fingerprint
}

// Config holds the worker's slice of the cache configuration.
type Config struct {
	QueueSize                 int
	BaselineCompressionLevel  int
	OptimizedCompressionLevel int
	UsageCountThreshold       uint64
	CleanupInterval           time.Duration
	OptimizeTaskTimeout       time.Duration
	AllowedClockDrift         time.Duration
	FileCountSoftLimit        int
	TotalSizeSoftLimit        int64
	FileCountLimitPercent     float64
	TotalSizeLimitPercent     float64
	Logger                    *slog.Logger
	Now                       func() time.Time
}

// Worker drains the event queue and performs maintenance. A single failed
// task never terminates the loop; the step is logged and abandoned, and any
// lock it held is left to expire.
type Worker struct {
	store  *store.Store
	locks  *lockfile.Manager
	config Config
	logger *slog.Logger
	now    func() time.Time

	queue chan Event

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a worker over the given store and lock manager.
func New(st *store.Store, locks *lockfile.Manager, cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}

	return &Worker{
		store:  st,
		locks:  locks,
		config: cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		queue:  make(chan Event, cfg.QueueSize),
	}
}

// Enqueue offers an event to the queue without blocking. It returns false
// when the queue is full and the event was dropped; older events keep their
// place, favouring recency of what is already queued over completeness.
func (w *Worker) Enqueue(e Event) bool {
	select {
	case w.queue <- e:
		return true
	default:
		return false
	}
}

// Start launches the background goroutine. Safe to call once per worker.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop shuts the worker down, waiting for the current task to finish.
// Queued events are discarded; they carry no durability obligation.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.setRunning(false)

	w.logger.Debug("cache worker starting", "queue_size", cap(w.queue))

	for {
		select {
		case <-w.stopCh:
			w.logger.Debug("cache worker stopped")
			return
		case <-ctx.Done():
			w.logger.Debug("cache worker context cancelled")
			return
		case e := <-w.queue:
			w.dispatch(ctx, e)
		}
	}
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	w.running = running
	w.mu.Unlock()
}

func (w *Worker) dispatch(ctx context.Context, e Event) {
	switch e.Kind {
	case EventGet:
		w.handleGet(ctx, e.Fingerprint)
	case EventUpdate:
		w.handleUpdate(ctx, e.Fingerprint)
	default:
		w.logger.Warn("unknown event kind", "kind", int(e.Kind))
	}
}

// handleGet bumps the entry's usage counter and, once the entry has proven
// popular enough, recompresses it at the optimized level under a per-key
// lock. The lock is left to expire naturally: a crashed worker leaves a lock
// that times out, and liveness needs no explicit release.
func (w *Worker) handleGet(ctx context.Context, fp compilercache.Fingerprint) {
	st, err := w.store.ReadStats(fp)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("reading stats failed, skipping event",
				"fingerprint", fp.ShortString(), "error", err)
			return
		}
		// A lookup can race eviction, or hit an orphaned payload. Only
		// repair the stats half when the payload actually exists.
		if _, statErr := os.Stat(w.store.ArtifactPath(fp)); statErr != nil {
			return
		}
		st = &store.Stats{CompressionLevel: w.config.BaselineCompressionLevel}
	}

	st.UsageCount++
	if err := w.store.WriteStats(fp, st); err != nil {
		w.logger.Warn("updating stats failed, skipping event",
			"fingerprint", fp.ShortString(), "error", err)
		return
	}

	if st.UsageCount > w.config.UsageCountThreshold &&
		st.CompressionLevel < w.config.OptimizedCompressionLevel {
		w.maybeOptimize(ctx, fp)
	}
}

// handleUpdate refreshes the entry's stats file and, when the cleanup
// interval has elapsed since the last pass anywhere, runs a cleanup pass
// synchronously before returning to the queue.
func (w *Worker) handleUpdate(ctx context.Context, fp compilercache.Fingerprint) {
	fresh := &store.Stats{UsageCount: 0, CompressionLevel: w.config.BaselineCompressionLevel}
	if err := w.store.WriteStats(fp, fresh); err != nil {
		w.logger.Warn("refreshing stats failed, skipping event",
			"fingerprint", fp.ShortString(), "error", err)
		return
	}

	acquired, err := w.locks.TryAcquire(CleanupLockTask, w.config.CleanupInterval)
	if err != nil {
		w.logger.Warn("cleanup lock check failed", "error", err)
		return
	}
	if !acquired {
		return
	}

	result := w.RunCleanup(ctx)
	w.logCleanup(result)
}

// maybeOptimize recompresses the entry at the optimized level if this
// process wins the per-key lock.
func (w *Worker) maybeOptimize(ctx context.Context, fp compilercache.Fingerprint) {
	task := optimizeTask(fp)

	acquired, err := w.locks.TryAcquire(task, w.config.OptimizeTaskTimeout)
	if err != nil {
		w.logger.Warn("optimize lock check failed",
			"fingerprint", fp.ShortString(), "error", err)
		return
	}
	if !acquired {
		// Another worker owns the task this round.
		return
	}

	if err := w.store.Recompress(fp, w.config.OptimizedCompressionLevel); err != nil {
		// Abandon the step; the lock expires on its own and a future GET
		// event retries.
		w.logger.Warn("recompression failed",
			"fingerprint", fp.ShortString(), "error", err)
		telemetry.RecordRecompression(ctx, "error")
		return
	}

	telemetry.RecordRecompression(ctx, "ok")
}

func (w *Worker) logCleanup(result *CleanupResult) {
	if result == nil {
		return
	}
	w.logger.Info("cleanup pass complete",
		"duration", result.Duration,
		"unrecognized_deleted", result.UnrecognizedDeleted,
		"expired_locks_deleted", result.ExpiredLocksDeleted,
		"orphans_deleted", result.OrphansDeleted,
		"entries_evicted", result.EntriesEvicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", result.Errors,
	)
}

// optimizeTask returns the lock task name for recompressing one entry.
func optimizeTask(fp compilercache.Fingerprint) string {
	return fmt.Sprintf("optimize-%s", fp.String())
}
