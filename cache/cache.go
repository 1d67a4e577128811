// Package cache provides the synchronous front end of the compiler cache,
// the API consumed by the compilation pipeline.
//
// The front end does synchronous disk I/O only for the hit/miss decision and
// the initial store; everything else (usage accounting, recompression,
// cleanup) happens on a background worker fed through a bounded, non-blocking
// event queue. No front-end call ever waits on the worker or on lock
// acquisition, and no failure here ever propagates as a hard error: every
// failure mode resolves to "proceed without cache benefit this time".
package cache

import (
	"context"
	"errors"
	"log/slog"

	compilercache "github.com/wolfeidau/compiler-cache"
	"github.com/wolfeidau/compiler-cache/lockfile"
	"github.com/wolfeidau/compiler-cache/store"
	"github.com/wolfeidau/compiler-cache/telemetry"
	"github.com/wolfeidau/compiler-cache/worker"
)

// Cache is the disk-backed compilation-artifact cache.
type Cache struct {
	config compilercache.Config
	logger *slog.Logger

	store  *store.Store
	locks  *lockfile.Manager
	worker *worker.Worker
}

// New opens (or creates) the cache directory and starts the background
// worker. When the configuration is disabled, the returned cache is inert:
// every lookup misses, stores are no-ops and the directory is untouched.
func New(cfg compilercache.Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.LoggerOrDefault()
	c := &Cache{
		config: cfg,
		logger: logger,
	}
	if !cfg.Enabled {
		logger.Debug("compiler cache disabled")
		return c, nil
	}

	st, err := store.New(cfg.Dir, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	locks := lockfile.New(st.Dir(), cfg.AllowedClockDrift,
		lockfile.WithLogger(logger),
		lockfile.WithClock(cfg.Clock()),
	)

	w := worker.New(st, locks, worker.Config{
		QueueSize:                 cfg.EventQueueSize,
		BaselineCompressionLevel:  cfg.BaselineCompressionLevel,
		OptimizedCompressionLevel: cfg.OptimizedCompressionLevel,
		UsageCountThreshold:       cfg.UsageCountThreshold,
		CleanupInterval:           cfg.CleanupInterval,
		OptimizeTaskTimeout:       cfg.OptimizeTaskTimeout,
		AllowedClockDrift:         cfg.AllowedClockDrift,
		FileCountSoftLimit:        cfg.FileCountSoftLimit,
		TotalSizeSoftLimit:        cfg.TotalSizeSoftLimit,
		FileCountLimitPercent:     cfg.FileCountLimitPercent,
		TotalSizeLimitPercent:     cfg.TotalSizeLimitPercent,
		Logger:                    logger,
		Now:                       cfg.Clock(),
	})
	w.Start(context.Background())

	c.store = st
	c.locks = locks
	c.worker = w
	return c, nil
}

// Lookup returns the artifact previously stored for the fingerprint, or
// (nil, false) on a miss. Read and decompression failures are treated
// identically to a miss and are never propagated. The call returns as soon
// as the disk read completes; usage accounting happens later on the worker.
func (c *Cache) Lookup(ctx context.Context, fp compilercache.Fingerprint) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}

	data, err := c.store.ReadArtifact(fp)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("lookup degraded to miss",
				"fingerprint", fp.ShortString(), "error", err)
		}
		telemetry.RecordLookup(ctx, false, 0)
		c.enqueue(ctx, worker.Event{Kind: worker.EventGet, Fingerprint: fp})
		return nil, false
	}

	telemetry.RecordLookup(ctx, true, int64(len(data)))
	c.enqueue(ctx, worker.Event{Kind: worker.EventGet, Fingerprint: fp})
	return data, true
}

// Store caches the artifact for the fingerprint, compressed at the baseline
// level. I/O failure degrades to "artifact not cached" without affecting the
// caller's result; the compilation that produced the artifact already
// succeeded.
func (c *Cache) Store(ctx context.Context, fp compilercache.Fingerprint, artifact []byte) {
	if c.store == nil {
		return
	}

	if err := c.store.WriteArtifact(fp, artifact, c.config.BaselineCompressionLevel); err != nil {
		c.logger.Warn("store failed, artifact not cached",
			"fingerprint", fp.ShortString(), "error", err)
		telemetry.RecordStore(ctx, false, 0)
		return
	}

	telemetry.RecordStore(ctx, true, int64(len(artifact)))
	c.enqueue(ctx, worker.Event{Kind: worker.EventUpdate, Fingerprint: fp})
}

// Cleanup forces a full cleanup pass, bypassing the interval check. Intended
// for operational tooling; concurrent passes from other processes are safe,
// merely redundant.
func (c *Cache) Cleanup(ctx context.Context) *worker.CleanupResult {
	if c.worker == nil {
		return &worker.CleanupResult{StartedAt: c.config.Clock()()}
	}
	return c.worker.RunCleanup(ctx)
}

// Close stops the background worker. Queued events are discarded; they carry
// no durability obligation.
func (c *Cache) Close(ctx context.Context) error {
	if c.worker == nil {
		return nil
	}
	if err := c.worker.Stop(ctx); err != nil {
		return err
	}
	c.store.Close()
	return nil
}

// Dir returns the cache directory, or the empty string when disabled.
func (c *Cache) Dir() string {
	if c.store == nil {
		return ""
	}
	return c.store.Dir()
}

// enqueue is a best-effort, non-blocking handoff to the worker. A full queue
// drops the event; lost usage accounting is preferred over a slowed caller.
func (c *Cache) enqueue(ctx context.Context, e worker.Event) {
	if !c.worker.Enqueue(e) {
		telemetry.RecordEventDropped(ctx)
	}
}
