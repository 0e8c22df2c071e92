package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLedgerTTL = 7 * 24 * time.Hour

// RetiredTokenLedger remembers rotated-out refresh tokens for as long as they
// could otherwise have been exchanged.
// Key format: retired:<sha256_hex_of_token>  value: <user_id>
type RetiredTokenLedger struct {
	client *redis.Client
}

// NewRetiredTokenLedger creates a ledger wrapping the given Redis client.
func NewRetiredTokenLedger(client *redis.Client) *RetiredTokenLedger {
	return &RetiredTokenLedger{client: client}
}

// Retire records that tokenHash belonged to userID and is no longer live.
func (l *RetiredTokenLedger) Retire(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	if err := l.client.Set(ctx, l.key(tokenHash), userID, ttl).Err(); err != nil {
		return fmt.Errorf("retire token: %w", err)
	}
	return nil
}

// Owner returns the user a retired token belonged to, or "" when the token
// was never retired or its entry expired.
func (l *RetiredTokenLedger) Owner(ctx context.Context, tokenHash string) (string, error) {
	owner, err := l.client.Get(ctx, l.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("retired token lookup: %w", err)
	}
	return owner, nil
}

// Ping reports whether Redis is reachable.
func (l *RetiredTokenLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RetiredTokenLedger) key(tokenHash string) string {
	return "retired:" + tokenHash
}
