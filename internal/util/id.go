package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier such as "slide_3f2a…". The prefix keeps
// ids self-describing in logs and wire payloads.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
