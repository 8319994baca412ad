// Package history provides windowed queries over historical transactions
// for the pattern rules.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnavailable is returned when a history query still fails after retrying.
// Rules treat it as indeterminate, never as "no activity".
var ErrUnavailable = errors.New("transaction history unavailable")

// Accessor wraps a HistoryStore with input checks and a bounded retry.
type Accessor struct {
	store   domain.HistoryStore
	retries int
	backoff time.Duration
}

// NewAccessor creates an accessor that retries failed queries up to retries times.
func NewAccessor(store domain.HistoryStore, retries int) *Accessor {
	if retries < 0 {
		retries = 0
	}
	return &Accessor{
		store:   store,
		retries: retries,
		backoff: 25 * time.Millisecond,
	}
}

// SentBy returns transactions sent by senderID within [from, to], oldest first.
func (a *Accessor) SentBy(ctx context.Context, tenantID, senderID string, from, to time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" || senderID == "" {
		return nil, fmt.Errorf("tenantID and senderID are required")
	}
	return a.query(ctx, "sent_by", func(ctx context.Context) ([]*domain.Transaction, error) {
		return a.store.TransactionsBySender(ctx, tenantID, senderID, from, to)
	})
}

// Involving returns transactions sent or received by any of accountIDs
// within [from, to], oldest first.
func (a *Accessor) Involving(ctx context.Context, tenantID string, accountIDs []string, from, to time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" || len(accountIDs) == 0 {
		return nil, fmt.Errorf("tenantID and accountIDs are required")
	}
	return a.query(ctx, "involving", func(ctx context.Context) ([]*domain.Transaction, error) {
		return a.store.TransactionsBySenderOrReceiver(ctx, tenantID, accountIDs, from, to)
	})
}

// CountSent returns how many transactions senderID sent in the window ending at.
func (a *Accessor) CountSent(ctx context.Context, tenantID, senderID string, window time.Duration, at time.Time) (int64, error) {
	txs, err := a.SentBy(ctx, tenantID, senderID, at.Add(-window), at)
	if err != nil {
		return 0, err
	}
	return int64(len(txs)), nil
}

func (a *Accessor) query(ctx context.Context, op string, fn func(context.Context) ([]*domain.Transaction, error)) ([]*domain.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(a.backoff):
			}
			slog.Warn("retrying history query", "op", op, "attempt", attempt, "error", lastErr)
		}

		txs, err := fn(ctx)
		if err == nil {
			return txs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, lastErr)
}
