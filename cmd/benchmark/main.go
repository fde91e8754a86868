// Benchmark tool for load testing Kestrel's scoring endpoint.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/fraud_test.csv -url http://localhost:8080
//	go run ./cmd/benchmark -n 5000 -workers 20
//
// This tool:
//  1. Reads labelled fraud transactions (txn_amount, ..., is_fraud) or
//     generates a synthetic mix when no CSV is given
//  2. Sends each one to POST /risk/score
//  3. Compares the decision band with the label
//  4. Reports precision, recall, a confusion matrix and latency percentiles
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sample is one labelled scoring request.
type Sample struct {
	Features domain.FraudFeatures
	IsFraud  bool
}

// scoreResponse is the subset of the scoring response the benchmark reads.
type scoreResponse struct {
	Decision struct {
		ID           string  `json:"id"`
		RiskScore    float64 `json:"riskScore"`
		RiskCategory string  `json:"riskCategory"`
		RiskBand     string  `json:"riskBand"`
	} `json:"decision"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud not flagged
	FalseNegatives int64 // Fraud not flagged

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// percentile returns the p-th percentile (0-100) by nearest rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

func main() {
	csvPath := flag.String("csv", "", "Path to a labelled fraud CSV (optional)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum rows to read from the CSV (0 = all)")
	n := flag.Int("n", 2000, "Synthetic requests to generate when no CSV is given")
	fraudRate := flag.Float64("fraud-rate", 0.05, "Share of synthetic requests that look fraudulent")
	seed := flag.Int64("seed", 42, "Seed for synthetic requests")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	alertBand := flag.String("alert-band", domain.BandHigh, "Lowest band counted as an alert (high or medium)")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL BENCHMARK - POST /risk/score             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Alert band:  %s\n", *alertBand)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	var samples []Sample
	if *csvPath != "" {
		var err error
		samples, err = readCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Loaded %d samples from %s\n", len(samples), *csvPath)
	} else {
		samples = generate(*n, *fraudRate, *seed)
		fmt.Printf("✓ Generated %d synthetic samples\n", len(samples))
	}
	if len(samples) == 0 {
		fmt.Println("ERROR: no samples")
		os.Exit(1)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(samples, *baseURL, *tenantID, *workers, alerting(*alertBand), *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func alerting(band string) func(string) bool {
	if band == domain.BandMedium {
		return func(b string) bool { return b == domain.BandHigh || b == domain.BandMedium }
	}
	return func(b string) bool { return b == domain.BandHigh }
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCSV reads rows whose header names the fraud feature columns plus is_fraud.
func readCSV(path string, limit int) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"txn_amount", "txn_currency", "txn_country", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %s", required)
		}
	}

	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}
	num := func(rec []string, name string) float64 {
		v, _ := strconv.ParseFloat(get(rec, name), 64)
		return v
	}

	var samples []Sample
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		label := get(rec, "is_fraud")
		samples = append(samples, Sample{
			Features: domain.FraudFeatures{
				TxnAmount:       num(rec, "txn_amount"),
				TxnCurrency:     get(rec, "txn_currency"),
				TxnCountry:      get(rec, "txn_country"),
				Txns1h:          int(num(rec, "txns_1h")),
				Txns24h:         int(num(rec, "txns_24h")),
				AvgTxnAmount30d: num(rec, "avg_txn_amount_30d"),
				AccountAgeDays:  int(num(rec, "account_age_days")),
				DeviceChange7d:  int(num(rec, "device_change_7d")),
				FailedLogins24h: int(num(rec, "failed_logins_24h")),
			},
			IsFraud: label == "1" || strings.EqualFold(label, "true"),
		})
		if limit > 0 && len(samples) >= limit {
			break
		}
	}
	return samples, nil
}

// generate builds a deterministic mix of ordinary and fraud-shaped requests.
func generate(n int, fraudRate float64, seed int64) []Sample {
	r := rand.New(rand.NewSource(seed))
	countries := []string{"GB", "IE", "FR", "DE", "US"}
	currencies := []string{"GBP", "EUR", "EUR", "EUR", "USD"}

	samples := make([]Sample, n)
	for i := range samples {
		c := r.Intn(len(countries))
		avg := 20 + r.Float64()*80
		f := domain.FraudFeatures{
			TxnAmount:       avg * (0.5 + r.Float64()),
			TxnCurrency:     currencies[c],
			TxnCountry:      countries[c],
			Txns1h:          r.Intn(2),
			Txns24h:         r.Intn(5),
			AvgTxnAmount30d: avg,
			AccountAgeDays:  60 + r.Intn(2000),
		}
		fraud := r.Float64() < fraudRate
		if fraud {
			f.TxnAmount = avg * (10 + r.Float64()*40)
			f.Txns1h = 5 + r.Intn(10)
			f.Txns24h = f.Txns1h + 10 + r.Intn(20)
			f.AccountAgeDays = 1 + r.Intn(30)
			f.DeviceChange7d = 1 + r.Intn(4)
			f.FailedLogins24h = r.Intn(8)
			if r.Float64() < 0.5 {
				f.TxnCountry = countries[(c+1+r.Intn(len(countries)-1))%len(countries)]
			}
		}
		samples[i] = Sample{Features: f, IsFraud: fraud}
	}
	return samples
}

func runBenchmark(samples []Sample, baseURL, tenantID string, numWorkers int, isAlert func(string) bool, verbose bool) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, len(samples))}

	work := make(chan Sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := score(client, baseURL, tenantID, s)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := isAlert(result.Decision.RiskBand)
				switch {
				case predicted && s.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case s.IsFraud:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				default:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				}

				if verbose {
					mark := "✓"
					if predicted != s.IsFraud {
						mark = "✗"
					}
					fmt.Printf("%s amount %10.2f | fraud %-5v | %-20s %-7s (%.2f)\n",
						mark, s.Features.TxnAmount, s.IsFraud,
						result.Decision.RiskCategory, result.Decision.RiskBand, result.Decision.RiskScore)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)
	wg.Wait()

	return metrics
}

func score(client *http.Client, baseURL, tenantID string, s Sample) (*scoreResponse, error) {
	features := s.Features
	body, err := json.Marshal(domain.RiskRequest{Fraud: &features})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/risk/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   ALERT     NO ALERT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	lat := slices.Clone(m.latencies)
	slices.Sort(lat)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	for _, p := range []float64{50, 90, 95, 99} {
		fmt.Printf("   p%-3.0f latency:     %v\n", p, percentile(lat, p).Round(10*time.Microsecond))
	}
	if len(lat) > 0 {
		fmt.Printf("   max latency:      %v\n", lat[len(lat)-1].Round(10*time.Microsecond))
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
