// Package worker provides async scoring from the event bus for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// GlobalTenant is the subscription scope used when no tenants are configured.
// It receives requests published under any tenant.
const GlobalTenant = domain.AllTenants

// Scorer scores, audits and publishes one request.
type Scorer interface {
	Score(ctx context.Context, req *domain.RiskRequest, explain bool) (*service.Result, error)
}

// Worker consumes scoring requests from the EventBus. Decisions are
// published by the scorer.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	started := 0
	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
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
		"topic", domain.TopicRiskRequest,
	)
	return nil
}

// startTenantWorker subscribes to scoring requests for one tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRiskRequest, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// RequestMessage is the payload on the request topic.
type RequestMessage struct {
	RequestID string `json:"requestId,omitempty"`
	Explain   bool   `json:"explain,omitempty"`
	domain.RiskRequest
}

// processRequest scores one queued request.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req RequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse risk request message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The publish tenant wins over the payload
	if tenantID == GlobalTenant {
		tenantID = msg.TenantID
	}
	req.TenantID = tenantID

	requestID := req.RequestID
	if requestID == "" {
		requestID = domain.RequestIDFrom(ctx)
	}
	if requestID == "" {
		requestID = msg.ID
	}
	ctx = domain.WithRequestID(ctx, requestID)

	res, err := w.scorer.Score(ctx, &req.RiskRequest, req.Explain)
	if err != nil {
		slog.Error("risk scoring failed",
			"request_id", requestID,
			"tenant_id", req.TenantID,
			"error", err,
		)
		return err
	}

	slog.Info("risk request processed",
		"request_id", requestID,
		"tenant_id", req.TenantID,
		"decision_id", res.Decision.ID,
		"risk_category", res.Decision.RiskCategory,
		"risk_score", res.Decision.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

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
