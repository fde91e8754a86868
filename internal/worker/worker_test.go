package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
)

// stubOrchestrator returns a fixed decision and records what it saw.
type stubOrchestrator struct {
	mu       sync.Mutex
	band     string
	tenants  []string
	requests []string
}

func (s *stubOrchestrator) Score(ctx context.Context, req *domain.RiskRequest) (*domain.RiskDecision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tenants = append(s.tenants, req.TenantID)
	s.requests = append(s.requests, domain.RequestIDFrom(ctx))
	s.mu.Unlock()
	return &domain.RiskDecision{ID: "dec-1", RiskCategory: "fraud_high", RiskBand: s.band, RiskScore: 0.91}, nil
}

func collect(t *testing.T, b domain.EventBus, tenantID, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 10)
	_, err := b.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func fraudPayload(t *testing.T, msg RequestMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func testRequest() domain.RiskRequest {
	return domain.RiskRequest{
		Fraud: &domain.FraudFeatures{TxnAmount: 5000, TxnCurrency: "USD", TxnCountry: "US", Txns1h: 12},
	}
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		worker := NewWorker(eventBus, service.New(&stubOrchestrator{}, nil))
		if err := worker.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicRiskRequest {
			t.Errorf("expected topic %s, got %s", domain.TopicRiskRequest, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if worker.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		orch := &stubOrchestrator{band: domain.BandMedium}
		worker := NewWorker(eventBus, service.New(orch, nil, service.WithEventBus(eventBus)))
		if err := worker.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		decisions := collect(t, eventBus, "tenant-001", domain.TopicRiskDecision)
		time.Sleep(10 * time.Millisecond)

		payload := fraudPayload(t, RequestMessage{RequestID: "req-42", RiskRequest: testRequest()})
		if err := eventBus.Publish(ctx, "tenant-001", domain.TopicRiskRequest, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := waitFor(t, decisions)
		var ev service.DecisionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("bad decision payload: %v", err)
		}
		if ev.Decision.ID != "dec-1" || ev.TenantID != "tenant-001" {
			t.Errorf("unexpected decision event: %+v", ev)
		}

		orch.mu.Lock()
		defer orch.mu.Unlock()
		if orch.tenants[0] != "tenant-001" || orch.requests[0] != "req-42" {
			t.Errorf("expected tenant and request ID to flow through, got %v %v", orch.tenants, orch.requests)
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		worker := NewWorker(eventBus, service.New(&stubOrchestrator{band: domain.BandHigh}, nil, service.WithEventBus(eventBus)))
		_ = worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		defer worker.Stop()

		alerts := collect(t, eventBus, "tenant-001", domain.TopicRiskAlert)
		time.Sleep(10 * time.Millisecond)

		_ = eventBus.Publish(ctx, "tenant-001", domain.TopicRiskRequest, fraudPayload(t, RequestMessage{RiskRequest: testRequest()}))
		waitFor(t, alerts)
	})

	t.Run("InvalidRequestNotPublished", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		worker := NewWorker(eventBus, service.New(&stubOrchestrator{}, nil, service.WithEventBus(eventBus)))
		_ = worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		defer worker.Stop()

		decisions := collect(t, eventBus, "tenant-001", domain.TopicRiskDecision)
		time.Sleep(10 * time.Millisecond)

		bad := RequestMessage{RiskRequest: domain.RiskRequest{Fraud: &domain.FraudFeatures{TxnCurrency: "DOLLARS"}}}
		_ = eventBus.Publish(ctx, "tenant-001", domain.TopicRiskRequest, fraudPayload(t, bad))
		_ = eventBus.Publish(ctx, "tenant-001", domain.TopicRiskRequest, []byte("not json"))

		select {
		case msg := <-decisions:
			t.Errorf("expected no decision for invalid input, got %s", msg.Payload)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("GlobalWorker", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		orch := &stubOrchestrator{band: domain.BandLow}
		worker := NewWorker(eventBus, service.New(orch, nil, service.WithEventBus(eventBus)))
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		decisions := collect(t, eventBus, "acme", domain.TopicRiskDecision)
		time.Sleep(10 * time.Millisecond)

		// the payload tenant is ignored in favour of the publish tenant
		req := testRequest()
		req.TenantID = "tenant-009"
		if err := eventBus.Publish(ctx, "acme", domain.TopicRiskRequest, fraudPayload(t, RequestMessage{RiskRequest: req})); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if err := eventBus.Publish(ctx, "globex", domain.TopicRiskRequest, fraudPayload(t, RequestMessage{RiskRequest: testRequest()})); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := waitFor(t, decisions)
		if msg.TenantID != "acme" {
			t.Errorf("expected decision under acme, got %s", msg.TenantID)
		}
		time.Sleep(50 * time.Millisecond)

		orch.mu.Lock()
		defer orch.mu.Unlock()
		if len(orch.tenants) != 2 || orch.tenants[0] != "acme" || orch.tenants[1] != "globex" {
			t.Errorf("expected both tenants scored by the global worker, got %v", orch.tenants)
		}
	})

	t.Run("TenantWorkerIgnoresOtherTenants", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		orch := &stubOrchestrator{band: domain.BandLow}
		worker := NewWorker(eventBus, service.New(orch, nil))
		if err := worker.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()
		time.Sleep(10 * time.Millisecond)

		_ = eventBus.Publish(ctx, "acme", domain.TopicRiskRequest, fraudPayload(t, RequestMessage{RiskRequest: testRequest()}))
		time.Sleep(50 * time.Millisecond)

		orch.mu.Lock()
		defer orch.mu.Unlock()
		if len(orch.tenants) != 0 {
			t.Errorf("expected no scoring for another tenant, got %v", orch.tenants)
		}
	})
}

func TestStartFailsWithoutSubscriptions(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	_ = eventBus.Close()

	worker := NewWorker(eventBus, service.New(&stubOrchestrator{}, nil))
	if err := worker.Start(Config{TenantIDs: []string{"tenant-001"}}); err == nil {
		t.Error("expected error when no subscription can be made")
	}
}
