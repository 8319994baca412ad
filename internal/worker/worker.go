// Package worker screens requests arriving on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenantID is subscribed when no tenants are configured.
// Messages on it are screened under the tenant they carry.
const GlobalTenantID = "_global"

// Screener runs one screening.
type Screener interface {
	Screen(ctx context.Context, tenantID string, req *domain.ScreeningRequest) (*domain.Screening, error)
}

// Worker consumes screening requests from the EventBus.
type Worker struct {
	bus      domain.EventBus
	screener Screener

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs to consume; empty subscribes GlobalTenantID.
	TenantIDs []string

	// WorkerCount bounds concurrent screenings across all tenants.
	WorkerCount int
}

// ErrorReply is sent back to requesters when a screening fails.
type ErrorReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, screener Screener) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		screener: screener,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to screening requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenantID}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no worker subscriptions could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicScreeningRequested, w.dispatch)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicScreeningRequested,
	)
	return nil
}

// dispatch runs process on the bounded pool.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer func() {
			<-w.sem
			w.wg.Done()
		}()
		if err := w.process(ctx, msg); err != nil {
			slog.Error("screening request failed",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
		}
	}()
	return nil
}

// process screens one request and answers the requester, if any.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.ScreeningRequest
	if err := bus.Decode(msg, &req); err != nil {
		w.replyError(ctx, msg, err)
		return err
	}

	scr, err := w.screener.Screen(ctx, msg.TenantID, &req)
	if err != nil {
		w.replyError(ctx, msg, err)
		return err
	}

	if msg.Metadata[domain.MetaReplyTo] != "" {
		payload, err := json.Marshal(scr.ToResponse())
		if err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
		if err := w.bus.Reply(ctx, msg, payload); err != nil {
			return fmt.Errorf("failed to reply: %w", err)
		}
	}

	slog.Debug("screening request processed",
		"screening_id", scr.ID,
		"transaction_id", req.TransactionID,
		"tenant_id", msg.TenantID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) replyError(ctx context.Context, msg *domain.Message, cause error) {
	if msg.Metadata[domain.MetaReplyTo] == "" {
		return
	}
	payload, _ := json.Marshal(ErrorReply{Status: "error", Error: cause.Error()})
	if err := w.bus.Reply(ctx, msg, payload); err != nil {
		slog.Error("failed to send error reply",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight screenings.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
