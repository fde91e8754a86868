// Package service wires scoring, explanation, auditing and event
// publication into a single call.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultTenant scopes requests that do not name a tenant.
const DefaultTenant = "default"

// Scorer produces a fused decision. Implemented by the orchestrator.
type Scorer interface {
	Score(ctx context.Context, req *domain.RiskRequest) (*domain.RiskDecision, error)
}

// Explanation is a human-readable rationale for a decision.
type Explanation struct {
	PromptVersion string `json:"promptVersion"`
	Text          string `json:"text"`
}

// Explainer renders an explanation for a decision.
type Explainer interface {
	Explain(ctx context.Context, dec *domain.RiskDecision, tax *domain.Taxonomy) (*Explanation, error)
}

// TaxonomyProvider returns the active taxonomy for explanations.
type TaxonomyProvider interface {
	Current() *domain.Taxonomy
}

// Result is the outcome of one scoring call.
type Result struct {
	Decision    *domain.RiskDecision `json:"decision"`
	Audit       *audit.WriteResult   `json:"audit,omitempty"`
	AuditError  string               `json:"auditError,omitempty"`
	Explanation *Explanation         `json:"explanation,omitempty"`
}

// DecisionEvent is published on the decision and alert topics.
type DecisionEvent struct {
	TenantID string               `json:"tenantId"`
	AuditID  string               `json:"auditId,omitempty"`
	Decision *domain.RiskDecision `json:"decision"`
}

// Service scores requests and records the outcome.
type Service struct {
	scorer    Scorer
	writer    audit.Writer
	explainer Explainer
	taxonomy  TaxonomyProvider
	bus       domain.EventBus
}

// Option configures a Service.
type Option func(*Service)

// WithExplainer enables explanations for requests that ask for them.
func WithExplainer(e Explainer, tp TaxonomyProvider) Option {
	return func(s *Service) {
		s.explainer = e
		s.taxonomy = tp
	}
}

// WithEventBus publishes decisions after they are audited.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// New creates a service. A nil writer disables auditing.
func New(scorer Scorer, writer audit.Writer, opts ...Option) *Service {
	if writer == nil {
		writer = audit.NoopWriter{}
	}
	s := &Service{scorer: scorer, writer: writer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score produces, explains, audits and publishes a decision.
// Only scoring errors fail the call; explanation, audit and publish
// failures never discard a produced decision.
func (s *Service) Score(ctx context.Context, req *domain.RiskRequest, explain bool) (*Result, error) {
	if req != nil && req.TenantID == "" {
		req.TenantID = DefaultTenant
	}

	dec, err := s.scorer.Score(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{Decision: dec}

	if explain && s.explainer != nil {
		var tax *domain.Taxonomy
		if s.taxonomy != nil {
			tax = s.taxonomy.Current()
		}
		exp, err := s.explainer.Explain(ctx, dec, tax)
		if err != nil {
			slog.Warn("explanation failed", "decision_id", dec.ID, "error", err)
		} else {
			res.Explanation = exp
		}
	}

	wr, err := s.writer.Write(ctx, req.TenantID, dec, req)
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("error").Inc()
		slog.Error("audit write failed",
			"decision_id", dec.ID,
			"tenant_id", req.TenantID,
			"request_id", domain.RequestIDFrom(ctx),
			"error", err,
		)
		res.AuditError = err.Error()
	} else {
		metrics.AuditWritesTotal.WithLabelValues("ok").Inc()
		res.Audit = wr
	}

	s.publish(ctx, req.TenantID, res)
	return res, nil
}

func (s *Service) publish(ctx context.Context, tenantID string, res *Result) {
	if s.bus == nil {
		return
	}

	ev := DecisionEvent{TenantID: tenantID, Decision: res.Decision}
	if res.Audit != nil {
		ev.AuditID = res.Audit.AuditID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode decision event", "decision_id", res.Decision.ID, "error", err)
		return
	}

	topics := []string{domain.TopicRiskDecision}
	if res.Decision.ShouldAlert() {
		topics = append(topics, domain.TopicRiskAlert)
	}
	for _, topic := range topics {
		if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
			metrics.BusMessagesTotal.WithLabelValues(topic, "publish_error").Inc()
			slog.Warn("failed to publish decision",
				"topic", topic,
				"decision_id", res.Decision.ID,
				"error", err,
			)
			continue
		}
		metrics.BusMessagesTotal.WithLabelValues(topic, "published").Inc()
	}
}
