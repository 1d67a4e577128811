package compilercache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFingerprintDeterministic(t *testing.T) {
	a := NewFingerprint([]byte("int main() {}"), "-O2")
	b := NewFingerprint([]byte("int main() {}"), "-O2")
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestNewFingerprintConfigChangesResult(t *testing.T) {
	content := []byte("int main() {}")

	a := NewFingerprint(content, "-O2")
	b := NewFingerprint(content, "-O0")
	require.NotEqual(t, a, b)
}

func TestNewFingerprintSeparatesContentAndConfig(t *testing.T) {
	// Moving bytes across the content/config boundary must not collide.
	a := NewFingerprint([]byte("ab"), "c")
	b := NewFingerprint([]byte("a"), "bc")
	require.NotEqual(t, a, b)
}

func TestFingerprintStringRoundTrip(t *testing.T) {
	fp := NewFingerprint([]byte("source"), "config")

	s := fp.String()
	require.Len(t, s, FingerprintSize*2)

	parsed, err := ParseFingerprint(s)
	require.NoError(t, err)
	require.Equal(t, fp, parsed)
}

func TestParseFingerprintInvalid(t *testing.T) {
	_, err := ParseFingerprint("zz")
	require.Error(t, err)

	_, err = ParseFingerprint("not-hex-not-hex-not-hex-not-hex-not-hex-not-hex-not-hex-not-hex")
	require.Error(t, err)
}

func TestFingerprintShortString(t *testing.T) {
	fp := NewFingerprint([]byte("source"), "config")
	require.Len(t, fp.ShortString(), 16)
	require.Equal(t, fp.String()[:16], fp.ShortString())
}

func TestFingerprintTextMarshaling(t *testing.T) {
	fp := NewFingerprint([]byte("source"), "config")

	text, err := fp.MarshalText()
	require.NoError(t, err)

	var got Fingerprint
	require.NoError(t, got.UnmarshalText(text))
	require.Equal(t, fp, got)
}
