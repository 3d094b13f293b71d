package monitor

import (
	"WardProtocol/internal/ledger"
	"context"
	"time"
)

// Subscription is a live stream of finalized transactions. Transactions is
// closed when the stream ends; Err then reports why.
type Subscription interface {
	Transactions() <-chan ledger.Transaction
	Err() error
	Close() error
}

// Feed opens subscriptions scoped to a set of accounts.
type Feed interface {
	Subscribe(ctx context.Context, accounts []string) (Subscription, error)
}

// Backoff returns base·2^attempt capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
