package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanClassifiesDirectory(t *testing.T) {
	s := newTestStore(t)

	complete := testFingerprint("complete entry")
	require.NoError(t, s.WriteArtifact(complete, []byte("payload"), 3))

	orphanPayload := testFingerprint("payload only")
	require.NoError(t, os.WriteFile(s.ArtifactPath(orphanPayload), []byte("x"), 0644))

	orphanStats := testFingerprint("stats only")
	require.NoError(t, s.WriteStats(orphanStats, &Stats{}))
	require.NoError(t, os.Remove(s.ArtifactPath(orphanStats)))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "cleanup"+LockSuffix), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "stray.txt"), []byte("junk"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), tmpPrefix+"12345"), []byte("leftover"), 0644))

	snap, err := s.Scan()
	require.NoError(t, err)

	require.Len(t, snap.Entries, 3)
	require.Equal(t, 1, snap.CompleteCount())
	require.Len(t, snap.Locks, 1)
	require.Equal(t, "cleanup", snap.Locks[0].Name)
	require.Len(t, snap.Unrecognized, 2)

	var foundPayloadOrphan, foundStatsOrphan bool
	for _, e := range snap.Entries {
		switch e.Fingerprint {
		case orphanPayload:
			foundPayloadOrphan = true
			require.True(t, e.HasPayload)
			require.False(t, e.HasStats)
		case orphanStats:
			foundStatsOrphan = true
			require.False(t, e.HasPayload)
			require.True(t, e.HasStats)
		}
	}
	require.True(t, foundPayloadOrphan)
	require.True(t, foundStatsOrphan)
}

func TestScanMisnamedEntryFilesAreUnrecognized(t *testing.T) {
	s := newTestStore(t)

	// Correct suffix, but not a hex fingerprint.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "not-a-fingerprint"+ArtifactSuffix), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "not-a-fingerprint"+StatsSuffix), []byte("{}"), 0644))

	snap, err := s.Scan()
	require.NoError(t, err)
	require.Empty(t, snap.Entries)
	require.Len(t, snap.Unrecognized, 2)
}

func TestScanReportsPayloadSizeAndMtime(t *testing.T) {
	s := newTestStore(t)
	fp := testFingerprint("sized entry")

	require.NoError(t, s.WriteArtifact(fp, []byte("payload payload payload"), 3))

	info, err := os.Stat(s.ArtifactPath(fp))
	require.NoError(t, err)

	snap, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, info.Size(), snap.Entries[0].Size)
	require.True(t, snap.Entries[0].ModTime.Equal(info.ModTime()))
	require.Equal(t, info.Size(), snap.TotalPayloadSize())
}

func TestScanIgnoresSubdirectories(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "subdir"), 0755))

	snap, err := s.Scan()
	require.NoError(t, err)
	require.Empty(t, snap.Entries)
	require.Empty(t, snap.Unrecognized)
}
