// Package redis stores the short-lived checkout state in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/storefront/checkout-api/internal/domain"
	"github.com/storefront/checkout-api/internal/repositories"
)

const (
	snapshotPrefix = "checkout:snapshot:"
	pendingPrefix  = "checkout:pending:"
)

// Error implements repositories.RepositoryError for Redis failures.
type Error struct {
	op          string
	err         error
	notFound    bool
	unavailable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }
func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing or expired key.
func (e *Error) IsNotFound() bool { return e.notFound }

// IsConflict is always false; writes are last-writer-wins.
func (e *Error) IsConflict() bool { return false }

// IsUnavailable reports connection level failures.
func (e *Error) IsUnavailable() bool { return e.unavailable }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, goredis.Nil) {
		return &Error{op: op, err: errors.New("not found"), notFound: true}
	}
	return &Error{op: op, err: err, unavailable: true}
}

// SessionRepository keeps one checkout snapshot and one pending payment per user.
type SessionRepository struct {
	client goredis.UniversalClient
}

var _ repositories.CheckoutSessionRepository = (*SessionRepository)(nil)

// NewSessionRepository wraps a go-redis client.
func NewSessionRepository(client goredis.UniversalClient) (*SessionRepository, error) {
	if client == nil {
		return nil, errors.New("session repository requires redis client")
	}
	return &SessionRepository{client: client}, nil
}

// SaveSnapshot overwrites the user's snapshot.
func (r *SessionRepository) SaveSnapshot(ctx context.Context, snapshot domain.CheckoutSnapshot, ttl time.Duration) error {
	return r.put(ctx, "session.saveSnapshot", snapshotKey(snapshot.UserID), snapshot, ttl)
}

// GetSnapshot returns the user's snapshot.
func (r *SessionRepository) GetSnapshot(ctx context.Context, userID string) (domain.CheckoutSnapshot, error) {
	var snapshot domain.CheckoutSnapshot
	err := r.get(ctx, "session.getSnapshot", snapshotKey(userID), &snapshot)
	return snapshot, err
}

// DeleteSnapshot removes the snapshot; deleting an absent key is not an error.
func (r *SessionRepository) DeleteSnapshot(ctx context.Context, userID string) error {
	return wrap("session.deleteSnapshot", r.client.Del(ctx, snapshotKey(userID)).Err())
}

// SavePending overwrites the user's pending payment.
func (r *SessionRepository) SavePending(ctx context.Context, pending domain.PendingPayment, ttl time.Duration) error {
	return r.put(ctx, "session.savePending", pendingKey(pending.UserID), pending, ttl)
}

// GetPending returns the user's pending payment.
func (r *SessionRepository) GetPending(ctx context.Context, userID string) (domain.PendingPayment, error) {
	var pending domain.PendingPayment
	err := r.get(ctx, "session.getPending", pendingKey(userID), &pending)
	return pending, err
}

// TakePending reads and deletes the pending payment with GETDEL so concurrent callers see it once.
func (r *SessionRepository) TakePending(ctx context.Context, userID string) (domain.PendingPayment, error) {
	var pending domain.PendingPayment
	data, err := r.client.GetDel(ctx, pendingKey(userID)).Bytes()
	if err != nil {
		return pending, wrap("session.takePending", err)
	}
	if err := json.Unmarshal(data, &pending); err != nil {
		return pending, fmt.Errorf("session.takePending: decode: %w", err)
	}
	return pending, nil
}

// DeletePending removes the pending payment.
func (r *SessionRepository) DeletePending(ctx context.Context, userID string) error {
	return wrap("session.deletePending", r.client.Del(ctx, pendingKey(userID)).Err())
}

func (r *SessionRepository) put(ctx context.Context, op, key string, value any, ttl time.Duration) error {
	if strings.HasSuffix(key, ":") {
		return fmt.Errorf("%s: user id is required", op)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	return wrap(op, r.client.Set(ctx, key, payload, ttl).Err())
}

func (r *SessionRepository) get(ctx context.Context, op, key string, target any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return wrap(op, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func snapshotKey(userID string) string { return snapshotPrefix + strings.TrimSpace(userID) }
func pendingKey(userID string) string  { return pendingPrefix + strings.TrimSpace(userID) }
