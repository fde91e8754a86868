// Package orchestrator fans a risk request out to its signal sources and
// fuses the results into one decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/traces"
)

// ErrNoSignals is returned under RequireSignal when every present
// sub-request failed.
var ErrNoSignals = errors.New("no signal source produced a result")

// Provenance of every fused decision.
var Provenance = domain.Provenance{
	Engine:       "risk_orchestrator",
	ModelName:    "multi_engine",
	ModelVersion: "v1",
}

// DefaultSignalTimeout bounds a single source call when none is configured.
const DefaultSignalTimeout = 5 * time.Second

// Failure kinds reported in metrics.
const (
	failureError   = "error"
	failureTimeout = "timeout"
	failurePanic   = "panic"
)

// Orchestrator runs signal sources concurrently and hands the fused
// evidence to the decision engine.
type Orchestrator struct {
	engine        *decision.Engine
	sources       []domain.SignalSource
	signalTimeout time.Duration
	requireSignal bool
}

// New creates an orchestrator. Sources are fused in the order given.
func New(engine *decision.Engine, sources []domain.SignalSource, cfg domain.OrchestratorConfig) *Orchestrator {
	timeout := cfg.SignalTimeout
	if timeout <= 0 {
		timeout = DefaultSignalTimeout
	}
	return &Orchestrator{
		engine:        engine,
		sources:       sources,
		signalTimeout: timeout,
		requireSignal: cfg.RequireSignal,
	}
}

// Engine returns the decision engine.
func (o *Orchestrator) Engine() *decision.Engine {
	return o.engine
}

// Sources returns the registered source names in fusion order.
func (o *Orchestrator) Sources() []string {
	names := make([]string, len(o.sources))
	for i, s := range o.sources {
		names[i] = s.Name()
	}
	return names
}

// result is one source's outcome, stored at the source's index.
type result struct {
	present bool
	signal  *domain.Signal
	err     error
	kind    string
}

// Score validates req, runs every present source once and fuses the
// signals. A failing or slow source is treated as absent.
func (o *Orchestrator) Score(ctx context.Context, req *domain.RiskRequest) (*domain.RiskDecision, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Normalize()

	ctx, span := traces.StartSpan(ctx, "orchestrator.Score", traces.TenantID(req.TenantID))
	defer span.End()

	results := make([]result, len(o.sources))
	var wg sync.WaitGroup

	for i, src := range o.sources {
		if !src.Present(req) {
			continue
		}
		results[i].present = true

		wg.Add(1)
		go func(idx int, s domain.SignalSource) {
			defer wg.Done()
			results[idx] = o.detect(ctx, s, req)
		}(i, src)
	}

	wg.Wait()

	var (
		reasons    []domain.ReasonCode
		evidence   []domain.Evidence
		provenance []domain.Provenance
		base       float64
		ok, failed int
	)
	absent := make(map[string]string)

	for i, r := range results {
		if !r.present {
			continue
		}
		name := o.sources[i].Name()
		if r.err != nil {
			failed++
			absent[name] = r.err.Error()
			metrics.SignalFailuresTotal.WithLabelValues(name, r.kind).Inc()
			slog.Warn("signal source failed, treating as absent",
				"source", name,
				"kind", r.kind,
				"tenant_id", req.TenantID,
				"error", r.err,
			)
			continue
		}
		ok++
		sig := r.signal
		if sig.BaseScore > base {
			base = sig.BaseScore
		}
		reasons = append(reasons, sig.Reasons...)
		evidence = append(evidence, sig.Evidence...)
		provenance = append(provenance, sig.Provenance)
	}

	// Inputs with no registered source are absent too
	inputs := req.InputsPresent()
	for name, present := range inputs {
		if present && !o.hasSource(name) {
			failed++
			absent[name] = "no signal source configured"
		}
	}

	if o.requireSignal && ok == 0 && failed > 0 {
		err := fmt.Errorf("%w: all %d present signals failed", ErrNoSignals, failed)
		traces.RecordError(span, err)
		return nil, err
	}

	if provenance == nil {
		provenance = []domain.Provenance{}
	}
	meta := map[string]any{
		domain.MetaInputsPresent: inputs,
		domain.MetaProvenance:    provenance,
		domain.MetaSignalsAbsent: absent,
	}

	dec := o.engine.Decide(reasons, evidence, base, Provenance, meta)

	span.SetAttributes(
		traces.DecisionID(dec.ID),
		traces.Category(dec.RiskCategory),
		traces.Band(dec.RiskBand),
		traces.Score(dec.RiskScore),
	)
	metrics.DecisionsTotal.WithLabelValues(dec.RiskCategory, dec.RiskBand).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	slog.Debug("decision produced",
		"decision_id", dec.ID,
		"tenant_id", req.TenantID,
		"risk_category", dec.RiskCategory,
		"risk_score", dec.RiskScore,
		"risk_band", dec.RiskBand,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return dec, nil
}

// detect runs one source under the signal timeout. It returns when the
// deadline passes even if the source ignores cancellation.
func (o *Orchestrator) detect(ctx context.Context, src domain.SignalSource, req *domain.RiskRequest) result {
	name := src.Name()
	ctx, span := traces.StartSpan(ctx, "signal."+name, traces.Source(name))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.signalTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{present: true, err: fmt.Errorf("source %s panicked: %v", name, p), kind: failurePanic}
			}
		}()
		sig, err := src.Detect(ctx, req)
		switch {
		case err != nil:
			done <- result{present: true, err: err, kind: kindOf(err)}
		case sig == nil:
			done <- result{present: true, err: fmt.Errorf("source %s returned no signal", name), kind: failureError}
		default:
			done <- result{present: true, signal: sig}
		}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = result{present: true, err: fmt.Errorf("source %s: %w", name, ctx.Err()), kind: kindOf(ctx.Err())}
	}

	metrics.SignalDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	traces.RecordError(span, r.err)
	return r
}

func (o *Orchestrator) hasSource(name string) bool {
	for _, s := range o.sources {
		if s.Name() == name {
			return true
		}
	}
	return false
}

func kindOf(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	return failureError
}
