// Package idempotency provides the claim/commit guard that makes webhook
// rerun handling and jit-event intake safe under at-least-once delivery.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Claim is the outcome of trying to claim an idempotency key.
type Claim string

const (
	// ClaimFirstEntry means the key was free and is now claimed by the caller.
	ClaimFirstEntry Claim = "first_entry"
	// ClaimInProgress means another claim is live inside the TTL window.
	ClaimInProgress Claim = "in_progress"
	// ClaimAlreadyCompleted means the work committed inside the TTL window.
	ClaimAlreadyCompleted Claim = "already_completed"
)

// Guard is the persistence port for idempotency claims.
type Guard interface {
	// TryClaim attempts to claim key for ttl. Expired records count as free.
	TryClaim(ctx context.Context, key string, ttl time.Duration) (Claim, error)
	// Commit marks the claimed work as done; later TryClaims inside the TTL
	// window return ClaimAlreadyCompleted.
	Commit(ctx context.Context, key string) error
	// Release frees the key so the work can be retried immediately.
	Release(ctx context.Context, key string) error
}

// KeyFromPayload derives a stable idempotency key from an operation name and
// an arbitrary payload. The payload is hashed via its canonical JSON form.
func KeyFromPayload(operation string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling idempotency payload for %s: %w", operation, err)
	}
	sum := sha256.Sum256(raw)
	return operation + "#" + hex.EncodeToString(sum[:]), nil
}
