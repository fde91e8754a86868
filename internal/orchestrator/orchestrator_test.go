package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/taxonomy"
)

type stubSource struct {
	name   string
	signal *domain.Signal
	err    error
	delay  time.Duration
	panics bool
	calls  int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Present(req *domain.RiskRequest) bool {
	return req.InputsPresent()[s.name]
}

func (s *stubSource) Detect(ctx context.Context, req *domain.RiskRequest) (*domain.Signal, error) {
	s.calls++
	if s.panics {
		panic("model exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.signal, s.err
}

func signal(engine string, base float64, reasons ...domain.ReasonCode) *domain.Signal {
	ev := make([]domain.Evidence, 0, len(reasons))
	for _, r := range reasons {
		ev = append(ev, domain.Evidence{
			Source:   engine + ".test",
			Metadata: map[string]any{domain.EvidenceEngineKey: engine, domain.EvidenceReasonKey: r},
		})
	}
	return &domain.Signal{
		BaseScore:  base,
		Reasons:    reasons,
		Evidence:   ev,
		Provenance: domain.Provenance{Engine: engine, ModelName: engine + "_model", ModelVersion: "1"},
	}
}

func testTaxonomy() *domain.Taxonomy {
	return &domain.Taxonomy{
		Version: "1.0.0",
		Owner:   "test",
		Categories: []domain.CategoryConfig{
			{
				Key:        "fraud_high",
				Severity:   0.9,
				Reasons:    []domain.ReasonCode{domain.ReasonHighVelocity, domain.ReasonUnusualAmount},
				Thresholds: &domain.Thresholds{ScoreHigh: 0.8, ScoreMedium: 0.5},
			},
			{
				Key:        "vulnerable_customer",
				Severity:   0.8,
				Reasons:    []domain.ReasonCode{domain.ReasonDistressLanguage, domain.ReasonRepeatComplaint},
				Thresholds: &domain.Thresholds{ScoreHigh: 0.75, ScoreMedium: 0.45},
			},
		},
	}
}

func newTestOrchestrator(cfg domain.OrchestratorConfig, sources ...domain.SignalSource) *Orchestrator {
	return New(decision.NewEngine(taxonomy.NewStaticRegistry(testTaxonomy()), decision.DefaultPolicy()), sources, cfg)
}

func fullRequest() *domain.RiskRequest {
	return &domain.RiskRequest{
		TenantID: "tenant-001",
		Fraud:    &domain.FraudFeatures{TxnAmount: 900, TxnCurrency: "GBP", TxnCountry: "GB", Txns1h: 8},
		Text:     &domain.TextCase{CaseID: "case-1", Channel: "chat", Text: "I can't cope with these payments"},
	}
}

func TestScore(t *testing.T) {
	ctx := context.Background()

	t.Run("BlendsByMax", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", signal: signal("fraud_engine", 0.3, domain.ReasonHighVelocity)}
		text := &stubSource{name: "text", signal: signal("text_risk_engine", 0.8, domain.ReasonDistressLanguage)}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud, text)

		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if base := dec.Metadata[domain.MetaBaseScore]; base != 0.8 {
			t.Errorf("expected blended base 0.8, got %v", base)
		}
		if fraud.calls != 1 || text.calls != 1 {
			t.Errorf("expected each source called once, got %d/%d", fraud.calls, text.calls)
		}
		if dec.Provenance != Provenance {
			t.Errorf("expected orchestrator provenance, got %+v", dec.Provenance)
		}
		prov, _ := dec.Metadata[domain.MetaProvenance].([]domain.Provenance)
		if len(prov) != 2 || prov[0].Engine != "fraud_engine" || prov[1].Engine != "text_risk_engine" {
			t.Errorf("expected provenance in source order, got %+v", prov)
		}
		absent, _ := dec.Metadata[domain.MetaSignalsAbsent].(map[string]string)
		if len(absent) != 0 {
			t.Errorf("expected no absent signals, got %v", absent)
		}
	})

	t.Run("NoInputsIsNoRisk", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", signal: signal("fraud_engine", 0.9)}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud)

		dec, err := o.Score(ctx, &domain.RiskRequest{})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if !dec.IsNoRisk() || dec.RiskScore != 0 {
			t.Errorf("expected no_risk with score 0, got %s %.2f", dec.RiskCategory, dec.RiskScore)
		}
		if fraud.calls != 0 {
			t.Error("expected absent sub-request to skip its source")
		}
		inputs, _ := dec.Metadata[domain.MetaInputsPresent].(map[string]bool)
		if inputs["fraud"] || inputs["text"] {
			t.Errorf("expected no inputs present, got %v", inputs)
		}
	})

	t.Run("EvidenceOrderIgnoresCompletionOrder", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", delay: 30 * time.Millisecond, signal: signal("fraud_engine", 0.7, domain.ReasonHighVelocity)}
		text := &stubSource{name: "text", signal: signal("text_risk_engine", 0.6, domain.ReasonDistressLanguage)}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud, text)

		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if len(dec.Evidence) != 2 || dec.Evidence[0].Engine() != "fraud_engine" || dec.Evidence[1].Engine() != "text_risk_engine" {
			t.Errorf("expected fraud evidence before text evidence, got %+v", dec.Evidence)
		}
	})

	t.Run("TimeoutIsAbsence", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", delay: time.Second, signal: signal("fraud_engine", 0.9, domain.ReasonHighVelocity)}
		text := &stubSource{name: "text", signal: signal("text_risk_engine", 0.8, domain.ReasonDistressLanguage)}
		o := newTestOrchestrator(domain.OrchestratorConfig{SignalTimeout: 20 * time.Millisecond}, fraud, text)

		start := time.Now()
		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("expected Score to return at the signal timeout")
		}
		if dec.RiskCategory != "vulnerable_customer" {
			t.Errorf("expected text-only decision, got %s", dec.RiskCategory)
		}
		absent, _ := dec.Metadata[domain.MetaSignalsAbsent].(map[string]string)
		if _, ok := absent["fraud"]; !ok {
			t.Errorf("expected fraud recorded as absent, got %v", absent)
		}
		for _, r := range dec.Reasons {
			if r == domain.ReasonHighVelocity {
				t.Error("expected no reasons from the timed-out source")
			}
		}
	})

	t.Run("ErrorAndPanicAreAbsence", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", panics: true}
		text := &stubSource{name: "text", err: errors.New("embedding provider unavailable")}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud, text)

		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if !dec.IsNoRisk() || dec.RiskScore != 0 {
			t.Errorf("expected no_risk with score 0, got %s %.2f", dec.RiskCategory, dec.RiskScore)
		}
		absent, _ := dec.Metadata[domain.MetaSignalsAbsent].(map[string]string)
		if len(absent) != 2 {
			t.Errorf("expected both sources absent, got %v", absent)
		}
	})

	t.Run("RequireSignal", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", err: errors.New("scorer down")}
		o := newTestOrchestrator(domain.OrchestratorConfig{RequireSignal: true}, fraud)

		_, err := o.Score(ctx, &domain.RiskRequest{Fraud: fullRequest().Fraud})
		if !errors.Is(err, ErrNoSignals) {
			t.Errorf("expected ErrNoSignals, got %v", err)
		}

		// With nothing present the fallback still applies
		dec, err := o.Score(ctx, &domain.RiskRequest{})
		if err != nil || !dec.IsNoRisk() {
			t.Errorf("expected no_risk for empty request, got %v %v", dec, err)
		}
	})

	t.Run("UnconfiguredSourceIsAbsent", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", signal: signal("fraud_engine", 0.7, domain.ReasonHighVelocity)}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud)

		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		absent, _ := dec.Metadata[domain.MetaSignalsAbsent].(map[string]string)
		if absent["text"] == "" {
			t.Errorf("expected text absent without a source, got %v", absent)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		o := newTestOrchestrator(domain.OrchestratorConfig{})
		req := &domain.RiskRequest{Text: &domain.TextCase{CaseID: "c", Channel: "fax", Text: "hi"}}
		if _, err := o.Score(ctx, req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("EvidenceTraceable", func(t *testing.T) {
		fraud := &stubSource{name: "fraud", signal: signal("fraud_engine", 0.9, domain.ReasonHighVelocity, domain.ReasonUnusualAmount)}
		text := &stubSource{name: "text", signal: signal("text_risk_engine", 0.5, domain.ReasonRepeatComplaint)}
		o := newTestOrchestrator(domain.OrchestratorConfig{}, fraud, text)

		dec, err := o.Score(ctx, fullRequest())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		for _, r := range dec.Reasons {
			found := false
			for _, ev := range dec.Evidence {
				if ev.Reason() == r && ev.Engine() != "" {
					found = true
				}
			}
			if !found {
				t.Errorf("reason %s has no engine-tagged evidence", r)
			}
		}
	})
}

func TestSources(t *testing.T) {
	o := newTestOrchestrator(domain.OrchestratorConfig{}, &stubSource{name: "fraud"}, &stubSource{name: "text"})
	names := o.Sources()
	if len(names) != 2 || names[0] != "fraud" || names[1] != "text" {
		t.Errorf("unexpected sources: %v", names)
	}
	if o.signalTimeout != DefaultSignalTimeout {
		t.Errorf("expected default timeout, got %v", o.signalTimeout)
	}
}
