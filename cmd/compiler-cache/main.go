// Command compiler-cache is an operational tool for a shared compilation
// artifact cache directory: store and look up artifacts, force a cleanup
// pass, and inspect directory usage.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	compilercache "github.com/wolfeidau/compiler-cache"
	"github.com/wolfeidau/compiler-cache/cache"
	"github.com/wolfeidau/compiler-cache/store"
	"github.com/wolfeidau/compiler-cache/telemetry"
)

var version = "dev"

type Globals struct {
	Dir           string `help:"Cache directory." default:".compiler-cache" type:"path" env:"COMPILER_CACHE_DIR"`
	LogLevel      string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	MetricsListen string `help:"Expose Prometheus metrics on this address while the command runs." placeholder:"HOST:PORT"`
}

type CLI struct {
	Globals

	Store   StoreCmd   `cmd:"" help:"Read an artifact from stdin, cache it and print its fingerprint."`
	Lookup  LookupCmd  `cmd:"" help:"Write the cached artifact for a fingerprint to stdout."`
	Cleanup CleanupCmd `cmd:"" help:"Force a full cleanup pass over the cache directory."`
	Stats   StatsCmd   `cmd:"" help:"Print usage statistics for the cache directory."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type runContext struct {
	ctx    context.Context
	logger *slog.Logger
	config compilercache.Config
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("compiler-cache"),
		kong.Description("Disk-backed compilation artifact cache tooling."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := newLogger(cli.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	if cli.MetricsListen != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "compiler-cache",
			ServiceVersion:   version,
			EnablePrometheus: true,
		})
		if err != nil {
			kctx.FatalIfErrorf(fmt.Errorf("initialising metrics: %w", err))
		}
		defer func() { _ = shutdown(context.Background()) }()

		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		go func() {
			if err := http.ListenAndServe(cli.MetricsListen, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	cfg := compilercache.DefaultConfig()
	cfg.Dir = cli.Dir
	cfg.Logger = logger

	err := kctx.Run(&runContext{ctx: ctx, logger: logger, config: cfg})
	kctx.FatalIfErrorf(err)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// StoreCmd caches an artifact read from stdin.
type StoreCmd struct {
	CompilerConfig string `help:"Compiler configuration string mixed into the fingerprint." default:""`
}

func (c *StoreCmd) Run(rc *runContext) error {
	artifact, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading artifact from stdin: %w", err)
	}

	cc, err := cache.New(rc.config)
	if err != nil {
		return err
	}
	defer func() { _ = cc.Close(rc.ctx) }()

	fp := compilercache.NewFingerprint(artifact, c.CompilerConfig)
	cc.Store(rc.ctx, fp, artifact)

	fmt.Println(fp.String())
	return nil
}

// LookupCmd retrieves a cached artifact by fingerprint.
type LookupCmd struct {
	Fingerprint string `arg:"" help:"Hex-encoded fingerprint to look up."`
}

func (c *LookupCmd) Run(rc *runContext) error {
	fp, err := compilercache.ParseFingerprint(c.Fingerprint)
	if err != nil {
		return fmt.Errorf("parsing fingerprint: %w", err)
	}

	cc, err := cache.New(rc.config)
	if err != nil {
		return err
	}
	defer func() { _ = cc.Close(rc.ctx) }()

	artifact, ok := cc.Lookup(rc.ctx, fp)
	if !ok {
		return fmt.Errorf("cache miss for %s", fp.ShortString())
	}

	_, err = os.Stdout.Write(artifact)
	return err
}

// CleanupCmd forces a full cleanup pass.
type CleanupCmd struct{}

func (c *CleanupCmd) Run(rc *runContext) error {
	cc, err := cache.New(rc.config)
	if err != nil {
		return err
	}
	defer func() { _ = cc.Close(rc.ctx) }()

	result := cc.Cleanup(rc.ctx)
	rc.logger.Info("cleanup pass complete",
		"duration", result.Duration,
		"unrecognized_deleted", result.UnrecognizedDeleted,
		"expired_locks_deleted", result.ExpiredLocksDeleted,
		"orphans_deleted", result.OrphansDeleted,
		"entries_evicted", result.EntriesEvicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", result.Errors,
	)
	return nil
}

// StatsCmd prints directory usage statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(rc *runContext) error {
	st, err := store.New(rc.config.Dir, store.WithLogger(rc.logger))
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.Scan()
	if err != nil {
		return err
	}

	orphans := len(snap.Entries) - snap.CompleteCount()

	fmt.Printf("directory:      %s\n", st.Dir())
	fmt.Printf("entries:        %d\n", snap.CompleteCount())
	fmt.Printf("payload bytes:  %d\n", snap.TotalPayloadSize())
	fmt.Printf("orphans:        %d\n", orphans)
	fmt.Printf("lock files:     %d\n", len(snap.Locks))
	fmt.Printf("unrecognized:   %d\n", len(snap.Unrecognized))
	return nil
}
