package fraud

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubScorer struct {
	out *ScoreOutput
	err error
}

func (s *stubScorer) Score(ctx context.Context, x []float64) (*ScoreOutput, error) {
	return s.out, s.err
}

func (s *stubScorer) Model() ModelRef      { return ModelRef{Name: "stub", Version: "1"} }
func (s *stubScorer) Spec() VectorizerSpec { return DefaultSpec() }

func sampleFeatures() *domain.FraudFeatures {
	return &domain.FraudFeatures{
		TxnAmount:       950,
		TxnCurrency:     "GBP",
		TxnCountry:      "FR",
		Txns1h:          12,
		Txns24h:         40,
		AvgTxnAmount30d: 0,
		AccountAgeDays:  0,
		DeviceChange7d:  0,
		FailedLogins24h: 0,
	}
}

func TestVectorize(t *testing.T) {
	spec := DefaultSpec()
	names := spec.FeatureNames()
	if len(names) != 15 {
		t.Fatalf("expected 15 features, got %d", len(names))
	}
	if names[7] != "txn_currency=GBP" || names[14] != "txn_country=US" {
		t.Errorf("unexpected one-hot names: %v", names[7:])
	}

	x := spec.Vectorize(sampleFeatures())
	if x[0] != 950 || x[1] != 12 || x[2] != 40 {
		t.Errorf("numeric columns wrong: %v", x[:7])
	}
	// GBP is first currency, FR third country
	if x[7] != 1 || x[8] != 0 || x[12] != 1 || x[10] != 0 {
		t.Errorf("one-hot columns wrong: %v", x[7:])
	}

	t.Run("UnknownCategoryIsZeros", func(t *testing.T) {
		f := sampleFeatures()
		f.TxnCurrency = "JPY"
		x := spec.Vectorize(f)
		for i := 7; i < 10; i++ {
			if x[i] != 0 {
				t.Errorf("expected zero currency block, got %v", x[7:10])
			}
		}
	})
}

func TestTopContributions(t *testing.T) {
	names := []string{"a", "b", "c", "d"}

	t.Run("RanksByDistance", func(t *testing.T) {
		c := TopContributions(names, []float64{1, -5, 3, 0}, nil, 2)
		if len(c) != 2 || c[0].Feature != "b" || c[1].Feature != "c" {
			t.Errorf("unexpected ranking: %+v", c)
		}
		if c[0].Weight != 5 {
			t.Errorf("expected weight 5, got %v", c[0].Weight)
		}
	})

	t.Run("TiesKeepFeatureOrder", func(t *testing.T) {
		c := TopContributions(names, []float64{2, 2, 2, 2}, nil, 3)
		for i, want := range []string{"a", "b", "c"} {
			if c[i].Feature != want {
				t.Errorf("position %d: expected %s, got %s", i, want, c[i].Feature)
			}
		}
	})

	t.Run("Baseline", func(t *testing.T) {
		c := TopContributions(names, []float64{10, 1, 0, 0}, []float64{10, 0, 0, 0}, 1)
		if c[0].Feature != "b" || c[0].Baseline != 0 {
			t.Errorf("expected b relative to baseline, got %+v", c[0])
		}
	})
}

func TestAttribute(t *testing.T) {
	f := sampleFeatures()
	contribs := []Contribution{
		{Feature: "txn_amount", Weight: 950, Value: 950},
		{Feature: "account_age_days", Weight: 400, Value: 400},
		{Feature: "txns_24h", Weight: 40, Value: 40},
		{Feature: "txns_1h", Weight: 12, Value: 12},
		{Feature: "txn_country=FR", Weight: 1, Value: 1},
	}

	reasons, evidence := Attribute(contribs, f, EngineName)

	want := []domain.ReasonCode{domain.ReasonUnusualAmount, domain.ReasonHighVelocity, domain.ReasonAccountBehaviorChange}
	if len(reasons) != len(want) {
		t.Fatalf("expected reasons %v, got %v", want, reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Errorf("reason %d: expected %s, got %s", i, want[i], reasons[i])
		}
	}

	// account_age_days is unmapped; both velocity features keep their evidence
	if len(evidence) != 4 {
		t.Fatalf("expected 4 evidence items, got %d", len(evidence))
	}
	last := evidence[3]
	val := last.Value.(map[string]any)
	if val["feature"] != "txn_country" || val["value"] != "FR" {
		t.Errorf("one-hot evidence should cite base column and raw value, got %v", val)
	}
	for _, e := range evidence {
		if e.Source != EvidenceSource || e.Engine() != EngineName || e.Reason() == "" {
			t.Errorf("evidence not traceable: %+v", e)
		}
	}
}

func TestDerive(t *testing.T) {
	d := Derive(&domain.FraudFeatures{TxnAmount: 300, AvgTxnAmount30d: 100, Txns1h: 2, Txns24h: 5})
	if d.AmountRatio30d != 3 || d.Velocity1h != 2 || d.Velocity24h != 5 {
		t.Errorf("unexpected derived: %+v", d)
	}
	d = Derive(&domain.FraudFeatures{TxnAmount: 300})
	if d.AmountRatio30d != 300 {
		t.Errorf("expected unscaled ratio with zero average, got %v", d.AmountRatio30d)
	}
}

func TestSource(t *testing.T) {
	ctx := context.Background()

	t.Run("Detect", func(t *testing.T) {
		src := NewSource(&stubScorer{out: &ScoreOutput{Score: 0.82, RawScore: 0.7, ModelType: "stub"}}, 0)
		sig, err := src.Detect(ctx, &domain.RiskRequest{Fraud: sampleFeatures()})
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if sig.BaseScore != 0.82 {
			t.Errorf("expected base score 0.82, got %v", sig.BaseScore)
		}
		// top 3: txn_amount 950, txns_24h 40, txns_1h 12
		if len(sig.Reasons) != 2 || sig.Reasons[0] != domain.ReasonUnusualAmount || sig.Reasons[1] != domain.ReasonHighVelocity {
			t.Errorf("unexpected reasons: %v", sig.Reasons)
		}
		if len(sig.Evidence) != 3 {
			t.Errorf("expected 3 evidence items, got %d", len(sig.Evidence))
		}
		if sig.Provenance.Engine != EngineName || sig.Provenance.ModelName != "stub" {
			t.Errorf("unexpected provenance: %+v", sig.Provenance)
		}
		if _, ok := sig.Debug["derived"]; !ok {
			t.Error("expected derived features in debug")
		}
	})

	t.Run("ScorerError", func(t *testing.T) {
		boom := errors.New("model server down")
		src := NewSource(&stubScorer{err: boom}, 3)
		if _, err := src.Detect(ctx, &domain.RiskRequest{Fraud: sampleFeatures()}); !errors.Is(err, boom) {
			t.Errorf("expected wrapped scorer error, got %v", err)
		}
	})

	t.Run("Present", func(t *testing.T) {
		src := NewSource(&stubScorer{}, 3)
		if src.Present(&domain.RiskRequest{}) {
			t.Error("expected not present without fraud sub-request")
		}
	})
}

func TestLinearScorer(t *testing.T) {
	card, err := LoadModelCard(filepath.Join("..", "..", "artifacts", "fraud", "model.json"))
	if err != nil {
		t.Fatalf("LoadModelCard failed: %v", err)
	}
	scorer, err := NewLinearScorer(card)
	if err != nil {
		t.Fatalf("NewLinearScorer failed: %v", err)
	}

	spec := scorer.Spec()
	quiet := &domain.FraudFeatures{TxnAmount: 40, TxnCurrency: "GBP", TxnCountry: "GB", Txns1h: 1, Txns24h: 3, AvgTxnAmount30d: 60, AccountAgeDays: 1500}
	noisy := &domain.FraudFeatures{TxnAmount: 2500, TxnCurrency: "USD", TxnCountry: "US", Txns1h: 9, Txns24h: 30, AvgTxnAmount30d: 50, AccountAgeDays: 10, DeviceChange7d: 3, FailedLogins24h: 6}

	lo, err := scorer.Score(context.Background(), spec.Vectorize(quiet))
	if err != nil {
		t.Fatal(err)
	}
	hi, err := scorer.Score(context.Background(), spec.Vectorize(noisy))
	if err != nil {
		t.Fatal(err)
	}
	if lo.Score < 0 || lo.Score > 1 || hi.Score < 0 || hi.Score > 1 {
		t.Errorf("scores out of range: %v %v", lo.Score, hi.Score)
	}
	if hi.Score <= lo.Score {
		t.Errorf("expected noisy transaction to score higher: %v <= %v", hi.Score, lo.Score)
	}

	t.Run("WrongLength", func(t *testing.T) {
		if _, err := scorer.Score(context.Background(), []float64{1}); err == nil {
			t.Error("expected length error")
		}
	})

	t.Run("InvalidCard", func(t *testing.T) {
		bad := *card
		bad.Weights = bad.Weights[:3]
		if _, err := NewLinearScorer(&bad); !errors.Is(err, ErrModelCard) {
			t.Errorf("expected ErrModelCard, got %v", err)
		}
	})
}
