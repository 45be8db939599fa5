package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh random cell id.
func NewID() string {
	return uuid.NewString()
}

// DeterministicID derives a stable UUID-formatted id from a typed key: the
// first 32 hex characters of SHA-256(key) laid out as 8-4-4-4-12. Reruns over
// the same key always produce the same id, which makes derived cells
// (patterns, lessons, shared blocks, dream markers) idempotent to rewrite.
func DeterministicID(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	return hexSum[0:8] + "-" + hexSum[8:12] + "-" + hexSum[12:16] + "-" + hexSum[16:20] + "-" + hexSum[20:32]
}

// SharedBlockID is the deterministic id for a named shared block.
func SharedBlockID(name string) string {
	return DeterministicID("shared_block:" + name)
}

// PatternID is the deterministic id for a mined pattern.
func PatternID(kind, key string) string {
	return DeterministicID("pattern:" + kind + ":" + key)
}

// AbstractionID is the deterministic id for an abstracted lesson.
func AbstractionID(method, key string) string {
	return DeterministicID("abstraction:" + method + ":" + key)
}

// DreamMarkerID is the deterministic id of the per-agent dream marker cell.
func DreamMarkerID(agentID string) string {
	return DeterministicID("dream-meta-" + agentID)
}

// ContentHash is the exact-dedup key for cell text: SHA-256 of the trimmed,
// lowercased content.
func ContentHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
