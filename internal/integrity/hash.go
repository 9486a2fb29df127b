package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Hash computes a stable SHA-256 over the given fields joined with '|'.
// Field order matters; callers must pass immutable fields in a fixed order so
// downstream consumers can detect tampering or duplication.
func Hash(fields ...string) string {
	data := strings.Join(fields, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// DecisionHash covers the immutable fields of a decision.
func DecisionHash(id, symbol, direction string, confidence float64, contributingSources int, entry, target, stop float64, generatedAt time.Time) string {
	return Hash(
		id,
		symbol,
		direction,
		fmt.Sprintf("%.4f", confidence),
		fmt.Sprintf("%d", contributingSources),
		fmt.Sprintf("%.8f", entry),
		fmt.Sprintf("%.8f", target),
		fmt.Sprintf("%.8f", stop),
		fmt.Sprintf("%d", generatedAt.UTC().UnixNano()),
	)
}

// OrderHash covers the immutable fields of an order record.
func OrderHash(id, decisionID, symbol, side, orderType, quantity string, createdAt time.Time) string {
	return Hash(
		id,
		decisionID,
		symbol,
		side,
		orderType,
		quantity,
		fmt.Sprintf("%d", createdAt.UTC().UnixNano()),
	)
}
