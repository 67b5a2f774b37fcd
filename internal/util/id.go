package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// HasPrefix reports whether id was produced by NewID(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
