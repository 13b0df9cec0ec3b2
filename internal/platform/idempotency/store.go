// Package idempotency replays stored responses for retried mutating requests carrying an Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long keys are remembered.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of reserving a key.
type Outcome int

const (
	// Proceed means the key was free and is now held by the caller.
	Proceed Outcome = iota
	// Replay means a completed response is stored for the key.
	Replay
	// InFlight means another request holds the key and has not finished.
	InFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// Record is what a store keeps per key.
type Record struct {
	Fingerprint string              `json:"fingerprint"`
	Completed   bool                `json:"completed"`
	Status      int                 `json:"status,omitempty"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
}

// Store persists reservations and completed responses.
type Store interface {
	// Reserve claims key for fingerprint unless it is already held.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Outcome, Record, error)
	// Complete stores the final response for key.
	Complete(ctx context.Context, key string, record Record, ttl time.Duration) error
	// Release forgets key so the request can be retried.
	Release(ctx context.Context, key string) error
}

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// replayableHeader reports whether a response header is safe to store and replay.
func replayableHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Set-Cookie":
		return false
	}
	return true
}

func classify(record Record, fingerprint string) (Outcome, error) {
	if record.Fingerprint != fingerprint {
		return InFlight, ErrFingerprintMismatch
	}
	if record.Completed {
		return Replay, nil
	}
	return InFlight, nil
}
