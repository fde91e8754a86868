package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	lat := make([]time.Duration, 100)
	for i := range lat {
		lat[i] = time.Duration(i+1) * time.Millisecond
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{50, 50 * time.Millisecond},
		{95, 95 * time.Millisecond},
		{99, 99 * time.Millisecond},
		{100, 100 * time.Millisecond},
		{0, 1 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(lat, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	if percentile(nil, 50) != 0 {
		t.Error("expected zero for empty input")
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := generate(200, 0.2, 7)
	b := generate(200, 0.2, 7)
	fraud := 0
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs between runs", i)
		}
		if a[i].IsFraud {
			fraud++
		}
		if len(a[i].Features.TxnCurrency) != 3 || len(a[i].Features.TxnCountry) != 2 {
			t.Errorf("sample %d would fail validation: %+v", i, a[i].Features)
		}
	}
	if fraud == 0 || fraud == len(a) {
		t.Errorf("expected a mix of labels, got %d fraud", fraud)
	}
}

func TestReadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fraud.csv")
	data := "txn_amount,txn_currency,txn_country,txns_1h,account_age_days,is_fraud\n" +
		"42.5,GBP,GB,1,900,0\n" +
		"2500,USD,US,9,3,1\n" +
		"bad,row\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	samples, err := readCSV(path, 0)
	if err != nil {
		t.Fatalf("readCSV failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[1].Features.Txns1h != 9 || !samples[1].IsFraud {
		t.Errorf("unexpected sample %+v", samples[1])
	}

	if _, err := readCSV(path, 1); err != nil {
		t.Fatal(err)
	}

	missing := filepath.Join(t.TempDir(), "missing.csv")
	if err := os.WriteFile(missing, []byte("amount,label\n1,0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readCSV(missing, 0); err == nil {
		t.Error("expected error for missing columns")
	}
}
