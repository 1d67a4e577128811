// Package store implements the on-disk layout of the compilation-artifact
// cache: one zstd-compressed payload file plus one JSON stats file per
// fingerprint, all siblings inside a single shared directory.
//
// Every write goes through an atomic temp-write-then-rename so that
// concurrent readers in other processes never observe a half-written file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	compilercache "github.com/wolfeidau/compiler-cache"
)

const (
	// ArtifactSuffix is the file name suffix for compressed payload files.
	ArtifactSuffix = ".artifact"

	// StatsSuffix is the file name suffix for per-entry stats files.
	StatsSuffix = ".stats"

	// LockSuffix is the file name suffix for maintenance lock files.
	LockSuffix = ".lock"

	// tmpPrefix marks in-flight atomic writes.
	tmpPrefix = ".tmp-"
)

// ErrNotFound is returned when no valid entry exists for a fingerprint.
// Corrupt payloads (failed decompression) are reported as not found as well,
// since the caller's recovery is identical: recompile and store fresh.
var ErrNotFound = errors.New("artifact not found")

// Stats is the per-entry statistics file, written alongside every payload.
type Stats struct {
	// UsageCount is the monotonic number of reads observed for the entry.
	UsageCount uint64 `json:"usage_count"`

	// CompressionLevel is the zstd level the payload is currently encoded at.
	CompressionLevel int `json:"compression_level"`
}

// Store provides access to the cache directory.
type Store struct {
	dir    string
	logger *slog.Logger
	codec  *codec
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens a store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	s := &Store{
		dir:    absDir,
		logger: slog.Default(),
		codec:  c,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the cache directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases codec resources. The directory itself is left untouched.
func (s *Store) Close() {
	s.codec.close()
}

// ArtifactPath returns the payload file path for a fingerprint.
func (s *Store) ArtifactPath(fp compilercache.Fingerprint) string {
	return filepath.Join(s.dir, fp.String()+ArtifactSuffix)
}

// StatsPath returns the stats file path for a fingerprint.
func (s *Store) StatsPath(fp compilercache.Fingerprint) string {
	return filepath.Join(s.dir, fp.String()+StatsSuffix)
}

// ReadArtifact reads and decompresses the payload for a fingerprint.
// A missing file or one that fails to decompress returns ErrNotFound.
func (s *Store) ReadArtifact(fp compilercache.Fingerprint) ([]byte, error) {
	compressed, err := os.ReadFile(s.ArtifactPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}

	data, err := s.codec.decode(compressed)
	if err != nil {
		// Corrupt payload. The next store for this fingerprint overwrites it.
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return data, nil
}

// WriteArtifact compresses raw at the given zstd level and writes the
// payload plus a fresh stats file. The payload lands first; a crash between
// the two writes leaves an orphan that the next cleanup pass reclaims.
func (s *Store) WriteArtifact(fp compilercache.Fingerprint, raw []byte, level int) error {
	compressed, err := s.codec.encode(raw, level)
	if err != nil {
		return fmt.Errorf("compressing artifact: %w", err)
	}

	if err := writeFileAtomic(s.ArtifactPath(fp), compressed); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}

	if err := s.WriteStats(fp, &Stats{UsageCount: 0, CompressionLevel: level}); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// ReadStats reads the stats file for a fingerprint.
func (s *Store) ReadStats(fp compilercache.Fingerprint) (*Stats, error) {
	data, err := os.ReadFile(s.StatsPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &st, nil
}

// WriteStats atomically replaces the stats file for a fingerprint.
func (s *Store) WriteStats(fp compilercache.Fingerprint, st *Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	if err := writeFileAtomic(s.StatsPath(fp), data); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// Recompress re-encodes an existing payload at the given zstd level and
// records the new level in the stats file, preserving the usage count.
func (s *Store) Recompress(fp compilercache.Fingerprint, level int) error {
	raw, err := s.ReadArtifact(fp)
	if err != nil {
		return fmt.Errorf("reading artifact for recompression: %w", err)
	}

	compressed, err := s.codec.encode(raw, level)
	if err != nil {
		return fmt.Errorf("recompressing artifact: %w", err)
	}

	if err := writeFileAtomic(s.ArtifactPath(fp), compressed); err != nil {
		return fmt.Errorf("replacing artifact: %w", err)
	}

	st, err := s.ReadStats(fp)
	if err != nil {
		// The payload was replaced above; continue with zeroed stats rather
		// than leave the recorded level stale.
		s.logger.Warn("stats unreadable during recompression, usage count reset",
			"fingerprint", fp.ShortString(), "error", err)
		st = &Stats{}
	}
	st.CompressionLevel = level
	if err := s.WriteStats(fp, st); err != nil {
		return fmt.Errorf("updating stats: %w", err)
	}

	s.logger.Debug("recompressed artifact",
		"fingerprint", fp.ShortString(),
		"level", level,
		"compressed_size", len(compressed),
	)
	return nil
}

// Remove deletes the payload and stats pair for a fingerprint. Missing files
// are ignored, making removal idempotent.
func (s *Store) Remove(fp compilercache.Fingerprint) error {
	var errs []error
	for _, path := range []string{s.ArtifactPath(fp), s.StatsPath(fp)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing %s: %w", filepath.Base(path), err))
		}
	}
	return errors.Join(errs...)
}
