package util

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// StableHash maps a string to a deterministic bucket in [0, buckets).
// Used for per-user color assignment, which must survive reconnects.
func StableHash(value string, buckets int) int {
	if buckets <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return int(h.Sum32() % uint32(buckets))
}
