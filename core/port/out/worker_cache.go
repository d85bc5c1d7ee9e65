package out

import (
	"context"
	"time"
)

// IdempotencyStore collapses redeliveries of the same push notification.
type IdempotencyStore interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so a redelivery of key is processed again.
	Release(ctx context.Context, key string) error
}
