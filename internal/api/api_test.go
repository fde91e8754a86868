package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/taxonomy"
	"github.com/opensource-finance/kestrel/internal/text"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

type testEnv struct {
	server       *Server
	repo         *repository.SQLRepository
	bus          *bus.ChannelBus
	registry     *taxonomy.Registry
	taxonomyPath string
}

// newTestEnv wires the full scoring pipeline on SQLite, the channel bus and
// the offline hashing embedder.
func newTestEnv(t *testing.T, cfg domain.ServerConfig) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	shipped, err := os.ReadFile(filepath.Join("..", "..", "configs", "risk_taxonomy.yaml"))
	if err != nil {
		t.Fatalf("failed to read shipped taxonomy: %v", err)
	}
	taxPath := filepath.Join(dir, "risk_taxonomy.yaml")
	if err := os.WriteFile(taxPath, shipped, 0o600); err != nil {
		t.Fatal(err)
	}
	registry, err := taxonomy.NewRegistry(taxPath)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "kestrel.db")})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	if err := repo.SaveTaxonomySnapshot(ctx, registry.Loaded().Snapshot()); err != nil {
		t.Fatalf("SaveTaxonomySnapshot failed: %v", err)
	}

	card, err := fraud.LoadModelCard(filepath.Join("..", "..", "artifacts", "fraud", "model.json"))
	if err != nil {
		t.Fatalf("LoadModelCard failed: %v", err)
	}
	scorer, err := fraud.NewLinearScorer(card)
	if err != nil {
		t.Fatalf("NewLinearScorer failed: %v", err)
	}

	emb := text.NewHashingEmbedder(64)
	index, err := text.BuildLabelIndex(ctx, emb, registry.Current().ReasonCodes(), registry.Loaded().Hash)
	if err != nil {
		t.Fatalf("BuildLabelIndex failed: %v", err)
	}
	rules, err := text.NewRuleEngine(text.DefaultRules())
	if err != nil {
		t.Fatalf("NewRuleEngine failed: %v", err)
	}
	local := cache.NewLRUCache(100)
	textSource, err := text.NewSource(text.SourceConfig{
		Rules:      rules,
		Embedder:   emb,
		LabelIndex: index,
		Contacts:   velocity.NewService(repo, local, velocity.DefaultWindow),
	})
	if err != nil {
		t.Fatalf("text.NewSource failed: %v", err)
	}

	orch := orchestrator.New(
		decision.NewEngine(registry, decision.DefaultPolicy()),
		[]domain.SignalSource{fraud.NewSource(scorer, 3), textSource},
		domain.OrchestratorConfig{SignalTimeout: 2 * time.Second},
	)

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc := service.New(orch,
		audit.NewRepositoryWriter(repo, audit.Options{Env: "test", ServiceName: "kestrel"}),
		service.WithEventBus(eventBus),
	)

	server := NewServer(cfg, Deps{
		Scorer:   svc,
		Registry: registry,
		Repo:     repo,
		Cache:    local,
		Bus:      eventBus,
		OnReload: func(ctx context.Context, l *taxonomy.Loaded) error {
			idx, err := text.BuildLabelIndex(ctx, emb, l.Taxonomy.ReasonCodes(), l.Hash)
			if err != nil {
				return err
			}
			textSource.SetLabelIndex(idx)
			return nil
		},
	}, "test-v1")
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	return &testEnv{server: server, repo: repo, bus: eventBus, registry: registry, taxonomyPath: taxPath}
}

func (e *testEnv) do(t *testing.T, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) service.Result {
	t.Helper()
	var res service.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
	if res.Decision == nil {
		t.Fatalf("expected decision in response: %s", rr.Body.String())
	}
	return res
}

var noisyFraud = &domain.FraudFeatures{
	TxnAmount: 2500, TxnCurrency: "USD", TxnCountry: "US",
	Txns1h: 9, Txns24h: 30, AvgTxnAmount30d: 50,
	AccountAgeDays: 10, DeviceChange7d: 3, FailedLogins24h: 6,
}

func TestScoreEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("FraudDecisionIsAudited", func(t *testing.T) {
		body, _ := json.Marshal(domain.RiskRequest{Fraud: noisyFraud})
		req := httptest.NewRequest(http.MethodPost, "/risk/score", bytes.NewReader(body))
		req.Header.Set(TenantIDHeader, "tenant-001")
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request ID echoed, got %q", got)
		}

		res := decodeResult(t, rr)
		if res.Decision.ID == "" {
			t.Error("expected decision ID")
		}
		if res.Audit == nil || res.Audit.AuditID != res.Decision.ID {
			t.Errorf("expected audit ID to match decision, got %+v", res.Audit)
		}
		if res.Decision.TaxonomyVersion != "1.2.0" {
			t.Errorf("expected taxonomy version 1.2.0, got %s", res.Decision.TaxonomyVersion)
		}
		if res.Decision.RiskScore < 0 || res.Decision.RiskScore > 1 {
			t.Errorf("score out of range: %v", res.Decision.RiskScore)
		}

		rr = env.do(t, http.MethodGet, "/decisions/"+res.Decision.ID, "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
			t.Fatal(err)
		}
		if rec.RequestID != "req-123" || rec.EventType != domain.EventTypeRiskDecision {
			t.Errorf("unexpected audit record: %+v", rec)
		}
		if rec.EntityType != audit.EntityTransaction || rec.InputHash == "" {
			t.Errorf("expected transaction entity with input hash, got %+v", rec)
		}
	})

	t.Run("DecisionsAreTenantScoped", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", domain.RiskRequest{Fraud: noisyFraud})
		res := decodeResult(t, rr)

		rr = env.do(t, http.MethodGet, "/decisions/"+res.Decision.ID, "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 across tenants, got %d", rr.Code)
		}
	})

	t.Run("EmptyRequestIsNoRisk", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", "{}")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decodeResult(t, rr)
		if res.Decision.RiskCategory != domain.NoRiskCategory || res.Decision.RiskScore != 0 {
			t.Errorf("expected no_risk with zero score, got %s %v", res.Decision.RiskCategory, res.Decision.RiskScore)
		}
	})

	t.Run("TextCaseListedByEntity", func(t *testing.T) {
		req := domain.RiskRequest{Text: &domain.TextCase{
			CaseID:     "case-9",
			Channel:    "complaint",
			Text:       "I am so stressed, I complained twice and was misled about the fees",
			CustomerID: "cust-9",
		}}
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		res := decodeResult(t, rr)
		if len(res.Decision.Reasons) == 0 {
			t.Error("expected rule reasons for the case")
		}

		rr = env.do(t, http.MethodGet, "/decisions?entity_type=text_case&entity_id=case-9", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var list struct {
			Count     int                   `json:"count"`
			Decisions []*domain.AuditRecord `json:"decisions"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
			t.Fatal(err)
		}
		if list.Count != 1 || list.Decisions[0].Actor != "cust-9" {
			t.Errorf("expected one decision for case-9 by cust-9, got %+v", list)
		}
	})

	t.Run("DefaultTenant", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/risk/score", "", domain.RiskRequest{Fraud: noisyFraud})
		res := decodeResult(t, rr)

		rr = env.do(t, http.MethodGet, "/decisions/"+res.Decision.ID, service.DefaultTenant, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected decision under the default tenant, got %d", rr.Code)
		}
	})

	t.Run("ReservedTenantRejected", func(t *testing.T) {
		for _, tenant := range []string{"*", "acme.eu", "tenant>"} {
			rr := env.do(t, http.MethodPost, "/risk/score", tenant, domain.RiskRequest{Fraud: noisyFraud})
			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", tenant, rr.Code)
			}
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		req := domain.RiskRequest{Text: &domain.TextCase{CaseID: "c", Channel: "fax", Text: "hello"}}
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "invalid input") {
			t.Errorf("expected validation message, got %s", rr.Body.String())
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		big := `{"text":{"caseId":"c","channel":"chat","text":"` + strings.Repeat("a", maxBodyBytes) + `"}}`
		rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", big)
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})
}

func TestScorePublishesDecision(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	got := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(context.Background(), "tenant-001", domain.TopicRiskDecision, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodPost, "/risk/score", "tenant-001", domain.RiskRequest{Fraud: noisyFraud})
	res := decodeResult(t, rr)

	select {
	case msg := <-got:
		var ev service.DecisionEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Decision.ID != res.Decision.ID || ev.AuditID != res.Decision.ID {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for decision event")
	}
}

func TestDecisionEndpoints(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions/missing", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListRequiresEntity", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions?entity_type=text_case", "tenant-001", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "entity_id") {
			t.Errorf("expected the repository validation message, got %s", rr.Body.String())
		}
	})

	t.Run("ListBadSince", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions?entity_type=text_case&entity_id=x&since=yesterday", "tenant-001", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions?entity_type=text_case&entity_id=nobody", "tenant-001", nil)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"decisions":[]`) {
			t.Errorf("expected empty list, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestTaxonomyEndpoints(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/taxonomy", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Taxonomy domain.Taxonomy `json:"taxonomy"`
			Hash     string          `json:"hash"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Taxonomy.Version != "1.2.0" || resp.Hash == "" {
			t.Errorf("unexpected taxonomy response: %+v", resp)
		}
	})

	t.Run("SnapshotPinnedAtStartup", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/taxonomy/snapshots/1.2.0", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), "risk-governance") {
			t.Errorf("expected snapshot body, got %s", rr.Body.String())
		}
	})

	updated := `version: "1.3.0"
owner: risk-governance
categories:
  vulnerable_customer:
    label: Customer vulnerability indicators
    severity: 0.8
    reasons: [distress_language_detected, repeat_complaint]
    thresholds: {score_high: 0.75, score_medium: 0.45}
`

	t.Run("Reload", func(t *testing.T) {
		if err := os.WriteFile(env.taxonomyPath, []byte(updated), 0o600); err != nil {
			t.Fatal(err)
		}

		events := make(chan *domain.Message, 1)
		_, _ = env.bus.Subscribe(context.Background(), domain.SharedTenant, domain.TopicTaxonomy, func(ctx context.Context, msg *domain.Message) error {
			events <- msg
			return nil
		})

		rr := env.do(t, http.MethodPost, "/taxonomy/reload", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.registry.Version() != "1.3.0" {
			t.Errorf("expected 1.3.0 active, got %s", env.registry.Version())
		}

		snap, err := env.repo.GetTaxonomySnapshot(context.Background(), "1.3.0")
		if err != nil {
			t.Fatalf("expected 1.3.0 snapshot: %v", err)
		}
		if string(snap.Body) != updated {
			t.Error("snapshot body differs from the file")
		}

		select {
		case <-events:
		case <-time.After(time.Second):
			t.Error("expected taxonomy reload event")
		}
	})

	t.Run("ConflictingContentRefused", func(t *testing.T) {
		hash := env.registry.Loaded().Hash
		changed := strings.Replace(updated, "severity: 0.8", "severity: 0.6", 1)
		if err := os.WriteFile(env.taxonomyPath, []byte(changed), 0o600); err != nil {
			t.Fatal(err)
		}

		rr := env.do(t, http.MethodPost, "/taxonomy/reload", "", nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.registry.Loaded().Hash != hash {
			t.Error("expected previous taxonomy to stay active")
		}
	})

	t.Run("InvalidTaxonomy", func(t *testing.T) {
		if err := os.WriteFile(env.taxonomyPath, []byte("version: nope"), 0o600); err != nil {
			t.Fatal(err)
		}
		rr := env.do(t, http.MethodPost, "/taxonomy/reload", "", nil)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected health response: %v", resp)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodPost, "/risk/score", "tenant-001", domain.RiskRequest{Fraud: noisyFraud})

		rr := env.do(t, http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_decisions_total") {
			t.Error("expected decision counter in metrics output")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/risk/score", "", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{RateLimitRPS: 1, RateBurst: 1})

	if rr := env.do(t, http.MethodGet, "/taxonomy", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodGet, "/taxonomy", "", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}

	// probes are not limited
	if rr := env.do(t, http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("expected health to bypass the limiter, got %d", rr.Code)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"domain validation", fmt.Errorf("%w: fraud: txn_amount", domain.ErrInvalidInput), http.StatusBadRequest},
		{"repository validation", fmt.Errorf("list: %w", repository.ErrInvalidInput), http.StatusBadRequest},
		{"not found", repository.ErrNotFound, http.StatusNotFound},
		{"no signals", orchestrator.ErrNoSignals, http.StatusServiceUnavailable},
		{"body too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)
			if rr.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}
