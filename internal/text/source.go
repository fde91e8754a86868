package text

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineName identifies the text engine in provenance and evidence.
const EngineName = "text_risk_engine"

// Evidence sources emitted by the text engine.
const (
	SourceRules             = "text.rules"
	SourceSimilarity        = "text.embedding_similarity"
	SourceCaseRetrieval     = "text.case_retrieval"
	SourceDocumentRetrieval = "rag.taxonomy"
	SourceContactFrequency  = "text.contact_frequency"
)

// Thresholds and limits.
const (
	SimilarityThreshold = 0.70
	RetrievalThreshold  = 0.75
	TopK                = 3

	caseTextLimit     = 280
	documentTextLimit = 400
	minContactCount   = 2
)

// ContactCounter records a contact for a customer and returns the number of
// contacts inside the rolling window, including this one.
type ContactCounter interface {
	RecordContact(ctx context.Context, tenantID, customerID string) (int64, error)
}

// SourceConfig wires the text source. Cases, Documents and Contacts are optional.
type SourceConfig struct {
	Rules      *RuleEngine
	Embedder   Embedder
	LabelIndex *LabelIndex
	Cases      Retriever
	Documents  Retriever
	Contacts   ContactCounter
}

// Source is the text signal source.
type Source struct {
	rules     *RuleEngine
	embedder  Embedder
	index     atomic.Pointer[LabelIndex]
	cases     Retriever
	documents Retriever
	contacts  ContactCounter
}

// NewSource creates a text signal source.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Rules == nil || cfg.Embedder == nil || cfg.LabelIndex == nil {
		return nil, fmt.Errorf("text source requires rules, embedder and label index")
	}
	s := &Source{
		rules:     cfg.Rules,
		embedder:  cfg.Embedder,
		cases:     cfg.Cases,
		documents: cfg.Documents,
		contacts:  cfg.Contacts,
	}
	s.index.Store(cfg.LabelIndex)
	return s, nil
}

// SetLabelIndex swaps the label index after a taxonomy reload.
// In-flight detections keep the index they started with.
func (s *Source) SetLabelIndex(idx *LabelIndex) {
	if idx != nil {
		s.index.Store(idx)
	}
}

// Name implements domain.SignalSource.
func (s *Source) Name() string { return "text" }

// Present implements domain.SignalSource.
func (s *Source) Present(req *domain.RiskRequest) bool {
	return req != nil && req.Text != nil
}

// Detect implements domain.SignalSource.
func (s *Source) Detect(ctx context.Context, req *domain.RiskRequest) (*domain.Signal, error) {
	if !s.Present(req) {
		return nil, fmt.Errorf("%w: text sub-request is missing", domain.ErrInvalidInput)
	}
	return s.DetectCase(ctx, req.TenantID, req.Text)
}

type reasonSet struct {
	seen  map[domain.ReasonCode]struct{}
	order []domain.ReasonCode
}

func (r *reasonSet) add(code domain.ReasonCode) {
	if r.seen == nil {
		r.seen = make(map[domain.ReasonCode]struct{})
	}
	if _, ok := r.seen[code]; ok {
		return
	}
	r.seen[code] = struct{}{}
	r.order = append(r.order, code)
}

// DetectCase runs rules, label similarity and retrieval over one case.
// Only rules and similarity contribute reasons; only similarity sets the score.
func (s *Source) DetectCase(ctx context.Context, tenantID string, c *domain.TextCase) (*domain.Signal, error) {
	var reasons reasonSet
	var evidence []domain.Evidence
	debug := map[string]any{}

	caseMeta := func(extra map[string]any) map[string]any {
		m := map[string]any{
			"case_id":                c.CaseID,
			"channel":                c.Channel,
			domain.EvidenceEngineKey: EngineName,
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	// Embed before recording the contact so a case whose signal fails or is
	// abandoned is not counted.
	vec, err := s.embedder.Embed(ctx, c.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed case %s: %w", c.CaseID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var contactCount int64
	if s.contacts != nil && c.CustomerID != "" {
		n, err := s.contacts.RecordContact(ctx, tenantID, c.CustomerID)
		if err != nil {
			slog.Warn("contact count unavailable", "tenant_id", tenantID, "case_id", c.CaseID, "error", err)
		} else {
			contactCount = n
		}
	}

	// 1. Lexicon rules
	matches, err := s.rules.Match(RuleInput{
		Text:         c.Text,
		Channel:      c.Channel,
		Language:     c.Language,
		CustomerID:   c.CustomerID,
		ContactCount: contactCount,
	})
	if err != nil {
		slog.Warn("text rule guard failed", "case_id", c.CaseID, "error", err)
	}
	ruleHits := make([]domain.ReasonCode, 0, len(matches))
	for _, m := range matches {
		reasons.add(m.Reason)
		ruleHits = append(ruleHits, m.Reason)
		evidence = append(evidence, domain.Evidence{
			Source:      SourceRules,
			Description: fmt.Sprintf("Matched rule phrase for %s", m.Reason),
			Value: map[string]any{
				"span": []int{m.Start, m.End},
				"text": m.MatchedText,
			},
			Metadata: caseMeta(map[string]any{
				domain.EvidenceReasonKey: m.Reason,
				"rule_id":                m.RuleID,
			}),
		})
	}
	debug["rule_hits"] = ruleHits

	// 2. Label similarity
	index := s.index.Load()
	hits := TopHits(vec, index, TopK)
	var base float64
	for _, h := range hits {
		base = max(base, h.Score)
	}
	for _, h := range hits {
		if h.Score < SimilarityThreshold {
			continue
		}
		extra := map[string]any{"embedding_model": index.Model}
		if r, err := domain.ParseReasonCode(h.Label); err == nil {
			reasons.add(r)
			extra[domain.EvidenceReasonKey] = r
		}
		evidence = append(evidence, domain.Evidence{
			Source:      SourceSimilarity,
			Description: "High semantic similarity to risk label",
			Value:       map[string]any{"label": h.Label, "score": h.Score},
			Threshold:   domain.Float(SimilarityThreshold),
			Metadata:    caseMeta(extra),
		})
	}
	debug["top_hits"] = hits

	// 3. Retrieval, evidence only
	if s.cases != nil {
		var retrieved []map[string]any
		found, err := s.cases.Retrieve(ctx, c.Text, TopK)
		if err != nil {
			slog.Warn("case retrieval failed", "case_id", c.CaseID, "error", err)
		}
		for _, h := range found {
			if h.ID == c.CaseID {
				continue
			}
			retrieved = append(retrieved, map[string]any{"case_id": h.ID, "score": h.Score})
			if h.Score < RetrievalThreshold {
				continue
			}
			evidence = append(evidence, domain.Evidence{
				Source:      SourceCaseRetrieval,
				Description: "Similar past case retrieved (evidence only)",
				Value: map[string]any{
					"case_id": h.ID,
					"score":   h.Score,
					"text":    truncate(h.Text, caseTextLimit),
				},
				Threshold: domain.Float(RetrievalThreshold),
				Metadata:  caseMeta(nil),
			})
		}
		debug["retrieved_cases"] = retrieved
	}

	if s.documents != nil {
		var docs []map[string]any
		found, err := s.documents.Retrieve(ctx, c.Text, TopK)
		if err != nil {
			slog.Warn("document retrieval failed", "case_id", c.CaseID, "error", err)
		}
		for _, h := range found {
			docs = append(docs, map[string]any{"doc_id": h.ID, "type": h.Metadata["type"], "score": h.Score})
			if h.Score < RetrievalThreshold {
				continue
			}
			evidence = append(evidence, domain.Evidence{
				Source:      SourceDocumentRetrieval,
				Description: "Retrieved taxonomy context (evidence only)",
				Value: map[string]any{
					"doc_id":   h.ID,
					"type":     h.Metadata["type"],
					"category": h.Metadata["category"],
					"text":     truncate(h.Text, documentTextLimit),
				},
				Threshold: domain.Float(RetrievalThreshold),
				Metadata:  caseMeta(nil),
			})
		}
		debug["rag_docs"] = docs
	}

	if contactCount >= minContactCount {
		evidence = append(evidence, domain.Evidence{
			Source:      SourceContactFrequency,
			Description: fmt.Sprintf("Customer has %d recent contacts", contactCount),
			Value:       map[string]any{"customer_id": c.CustomerID, "count": contactCount},
			Metadata:    caseMeta(nil),
		})
	}
	debug["contact_count"] = contactCount

	return &domain.Signal{
		BaseScore: min(1.0, base),
		Reasons:   reasons.order,
		Evidence:  evidence,
		Provenance: domain.Provenance{
			Engine:       EngineName,
			ModelName:    "embeddings:" + index.Model,
			ModelVersion: "v1",
		},
		Debug: debug,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
