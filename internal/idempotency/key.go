package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key returns the stable store id of an event. Two submissions for the same
// character at the same timestamp map to the same key regardless of type or
// payload, so the first stored event wins.
// The composite is hashed to guarantee a fixed-length id.
func Key(characterID string, timestamp int64) string {
	composite := fmt.Sprintf("%s|%d", characterID, timestamp)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
