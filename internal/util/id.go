package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns an opaque remote identifier such as row_3f9c...
func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewTempID returns a client-side handle for a row that has no remote id yet.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// NewRequestID is used to correlate log lines of one HTTP request.
func NewRequestID() string {
	return uuid.NewString()
}
