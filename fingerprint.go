package compilercache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a BLAKE3 fingerprint in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint identifies a compilation unit by its content and the compiler
// configuration it was built with. Two units with identical source bytes but
// different configurations produce different fingerprints.
type Fingerprint [FingerprintSize]byte

// NewFingerprint derives a fingerprint from the compilation unit's content
// and the compiler configuration string. A zero byte separates the two
// inputs so that moving bytes between them changes the result.
func NewFingerprint(content []byte, config string) Fingerprint {
	h := blake3.New()
	_, _ = h.Write(content)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(config))

	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}

// String returns the hex-encoded representation of the fingerprint.
func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// ShortString returns a shortened hex representation for display.
func (fp Fingerprint) ShortString() string {
	return hex.EncodeToString(fp[:8])
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (fp Fingerprint) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (fp *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(fp[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if err := fp.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return fp, nil
}
