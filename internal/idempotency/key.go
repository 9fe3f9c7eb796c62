package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key builds the stable dedupe hash for one logical message delivery:
// sha256 over `tenant|instance|messageId|sequenceIndex`.
func Key(tenantID, instanceID, messageID string, sequenceIndex int) string {
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteString("|")
	b.WriteString(instanceID)
	b.WriteString("|")
	b.WriteString(messageID)
	b.WriteString("|")
	b.WriteString(fmt.Sprintf("%d", sequenceIndex))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ScopedKey namespaces a dedupe key for a non-message concern, e.g. poll
// votes keyed by (pollId, voterJid) or ack tuples.
func ScopedKey(scope string, parts ...string) string {
	joined := scope + "|" + strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
