// Package sha256 fingerprints extracted document text.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashText digests text after normalizing line endings and trimming, so the
// same document fetched through different steps yields one fingerprint.
func (h *Hasher) HashText(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return h.Hash([]byte(strings.TrimSpace(text)))
}
