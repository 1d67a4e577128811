package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	compilercache "github.com/wolfeidau/compiler-cache"
)

// EntryInfo describes one cached entry observed during a scan.
type EntryInfo struct {
	Fingerprint compilercache.Fingerprint

	// Size is the on-disk size of the compressed payload in bytes.
	Size int64

	// ModTime is the payload's filesystem modification time, the entry's
	// recency signal. Zero when the payload half is missing.
	ModTime time.Time

	// HasPayload and HasStats report which halves of the pair exist. An
	// entry with only one half is the trace of a crash between the two
	// writes and is reclaimed by cleanup.
	HasPayload bool
	HasStats   bool
}

// Complete reports whether both halves of the entry pair exist.
func (e EntryInfo) Complete() bool {
	return e.HasPayload && e.HasStats
}

// LockInfo describes a lock file observed during a scan.
type LockInfo struct {
	// Name is the task name, the file name without the .lock suffix.
	Name    string
	Path    string
	ModTime time.Time
}

// Snapshot is the classified content of the cache directory at scan time.
type Snapshot struct {
	// Entries holds every fingerprint with at least one half present,
	// sorted by fingerprint for deterministic iteration.
	Entries []EntryInfo

	// Locks holds all lock files.
	Locks []LockInfo

	// Unrecognized holds paths of files that are neither entry halves nor
	// lock files, including leftover temp files.
	Unrecognized []string
}

// TotalPayloadSize returns the aggregate payload size of complete entries.
func (s *Snapshot) TotalPayloadSize() int64 {
	var total int64
	for _, e := range s.Entries {
		if e.Complete() {
			total += e.Size
		}
	}
	return total
}

// CompleteCount returns the number of complete entry pairs.
func (s *Snapshot) CompleteCount() int {
	var n int
	for _, e := range s.Entries {
		if e.Complete() {
			n++
		}
	}
	return n
}

// Scan reads the cache directory and classifies every file. Subdirectories
// are ignored; the cache never creates them.
func (s *Store) Scan() (*Snapshot, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	byFingerprint := make(map[compilercache.Fingerprint]*EntryInfo)
	snap := &Snapshot{}

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(s.dir, name)

		switch {
		case strings.HasSuffix(name, LockSuffix):
			info, err := de.Info()
			if err != nil {
				continue
			}
			snap.Locks = append(snap.Locks, LockInfo{
				Name:    strings.TrimSuffix(name, LockSuffix),
				Path:    path,
				ModTime: info.ModTime(),
			})

		case strings.HasSuffix(name, ArtifactSuffix):
			fp, err := compilercache.ParseFingerprint(strings.TrimSuffix(name, ArtifactSuffix))
			if err != nil {
				snap.Unrecognized = append(snap.Unrecognized, path)
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			e := entryFor(byFingerprint, fp)
			e.HasPayload = true
			e.Size = info.Size()
			e.ModTime = info.ModTime()

		case strings.HasSuffix(name, StatsSuffix):
			fp, err := compilercache.ParseFingerprint(strings.TrimSuffix(name, StatsSuffix))
			if err != nil {
				snap.Unrecognized = append(snap.Unrecognized, path)
				continue
			}
			entryFor(byFingerprint, fp).HasStats = true

		default:
			snap.Unrecognized = append(snap.Unrecognized, path)
		}
	}

	snap.Entries = make([]EntryInfo, 0, len(byFingerprint))
	for _, e := range byFingerprint {
		snap.Entries = append(snap.Entries, *e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Fingerprint.String() < snap.Entries[j].Fingerprint.String()
	})

	return snap, nil
}

func entryFor(m map[compilercache.Fingerprint]*EntryInfo, fp compilercache.Fingerprint) *EntryInfo {
	e, ok := m[fp]
	if !ok {
		e = &EntryInfo{Fingerprint: fp}
		m[fp] = e
	}
	return e
}
