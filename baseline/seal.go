package baseline

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

const (
	sealChecksum = "xxh64"
	sealKeyed    = "blake3-keyed"
)

type seal struct {
	Method string `json:"method"`
	Value  string `json:"value"`
}

// sealer protects the store payload. The unkeyed checksum catches truncation
// and accidental edits; the keyed MAC also catches deliberate ones.
type sealer interface {
	method() string
	sum(payload []byte) string
}

type checksumSealer struct{}

func (checksumSealer) method() string { return sealChecksum }

func (checksumSealer) sum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

type keyedSealer struct {
	key [32]byte
}

func (keyedSealer) method() string { return sealKeyed }

func (s keyedSealer) sum(payload []byte) string {
	h := blake3.New(32, s.key[:])
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func newSealer(key []byte) sealer {
	if len(key) == 0 {
		return checksumSealer{}
	}
	// BLAKE3 keyed mode needs exactly 32 bytes.
	return keyedSealer{key: blake3.Sum256(key)}
}

func verifySeal(s sealer, got seal, payload []byte) error {
	if got.Method != s.method() {
		if got.Method == sealChecksum {
			return corruptf("store is not signed but a signing key is configured")
		}
		return corruptf("store sealed with %q, expected %q", got.Method, s.method())
	}
	want := s.sum(payload)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got.Value)) != 1 {
		return corruptf("seal mismatch")
	}
	return nil
}
