package compilercache

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the cache configuration. It is read-only after startup and is
// passed to every component at construction.
type Config struct {
	// Enabled toggles the whole cache. When false, lookups always miss and
	// stores are no-ops; no worker is started and the directory is untouched.
	Enabled bool

	// Dir is the shared cache directory. All payload, stats and lock files
	// live as siblings directly inside it.
	Dir string

	// EventQueueSize is the capacity of the in-process event queue between
	// the front end and the background worker. When full, new events are
	// dropped rather than blocking the caller.
	EventQueueSize int

	// BaselineCompressionLevel is the zstd level used when an artifact is
	// first stored.
	BaselineCompressionLevel int

	// OptimizedCompressionLevel is the zstd level an artifact is recompressed
	// at once it has proven popular enough.
	OptimizedCompressionLevel int

	// UsageCountThreshold is the number of reads after which an entry becomes
	// eligible for recompression at the optimized level.
	UsageCountThreshold uint64

	// CleanupInterval is the minimum time between cleanup passes across all
	// processes sharing the directory.
	CleanupInterval time.Duration

	// OptimizeTaskTimeout is how long a recompression lock file remains valid
	// before another worker may steal it.
	OptimizeTaskTimeout time.Duration

	// AllowedClockDrift is the window within which a future timestamp is
	// still considered legitimate rather than corrupt.
	AllowedClockDrift time.Duration

	// FileCountSoftLimit triggers cleanup when the number of cached entries
	// exceeds it. Zero disables the count budget.
	FileCountSoftLimit int

	// TotalSizeSoftLimit triggers cleanup when the aggregate payload size in
	// bytes exceeds it. Zero disables the size budget.
	TotalSizeSoftLimit int64

	// FileCountLimitPercent is the fraction of FileCountSoftLimit cleanup
	// shrinks the entry count down to once the limit has been exceeded.
	FileCountLimitPercent float64

	// TotalSizeLimitPercent is the fraction of TotalSizeSoftLimit cleanup
	// shrinks the aggregate size down to once the limit has been exceeded.
	TotalSizeLimitPercent float64

	// Logger for cache events. Defaults to slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a configuration with production defaults. Dir must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		EventQueueSize:            512,
		BaselineCompressionLevel:  3,
		OptimizedCompressionLevel: 19,
		UsageCountThreshold:       256,
		CleanupInterval:           24 * time.Hour,
		OptimizeTaskTimeout:       30 * time.Minute,
		AllowedClockDrift:         24 * time.Hour,
		FileCountSoftLimit:        10000,
		TotalSizeSoftLimit:        10 * 1024 * 1024 * 1024, // 10 GB
		FileCountLimitPercent:     0.7,
		TotalSizeLimitPercent:     0.7,
	}
}

// Validate checks the configuration for values the cache cannot operate with.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return fmt.Errorf("cache directory must be set")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive, got %d", c.EventQueueSize)
	}
	if c.BaselineCompressionLevel < 1 || c.BaselineCompressionLevel > 22 {
		return fmt.Errorf("baseline compression level must be in [1,22], got %d", c.BaselineCompressionLevel)
	}
	if c.OptimizedCompressionLevel < 1 || c.OptimizedCompressionLevel > 22 {
		return fmt.Errorf("optimized compression level must be in [1,22], got %d", c.OptimizedCompressionLevel)
	}
	if c.OptimizedCompressionLevel < c.BaselineCompressionLevel {
		return fmt.Errorf("optimized compression level %d below baseline %d", c.OptimizedCompressionLevel, c.BaselineCompressionLevel)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.OptimizeTaskTimeout <= 0 {
		return fmt.Errorf("optimize task timeout must be positive")
	}
	if c.AllowedClockDrift < 0 {
		return fmt.Errorf("allowed clock drift must not be negative")
	}
	if c.FileCountSoftLimit < 0 {
		return fmt.Errorf("file count soft limit must not be negative")
	}
	if c.TotalSizeSoftLimit < 0 {
		return fmt.Errorf("total size soft limit must not be negative")
	}
	if c.FileCountLimitPercent <= 0 || c.FileCountLimitPercent > 1 {
		return fmt.Errorf("file count limit percent must be in (0,1], got %v", c.FileCountLimitPercent)
	}
	if c.TotalSizeLimitPercent <= 0 || c.TotalSizeLimitPercent > 1 {
		return fmt.Errorf("total size limit percent must be in (0,1], got %v", c.TotalSizeLimitPercent)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) now() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// LoggerOrDefault returns the configured logger, falling back to
// slog.Default().
func (c Config) LoggerOrDefault() *slog.Logger { return c.logger() }

// Clock returns the configured clock, falling back to time.Now.
func (c Config) Clock() func() time.Time { return c.now() }
