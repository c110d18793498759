// Benchmark tool for load-testing the finflag API with channel exports.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 Dine_in=dine_in.csv Zomato=zomato.csv
//
// This tool:
//  1. Reads each channel export from CSV
//  2. Submits the batch to POST /runs repeatedly from concurrent workers
//  3. Checks that every run reports the same totals
//  4. Reports latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/tabular"
)

// RunResponse is the subset of the POST /runs response the benchmark reads.
type RunResponse struct {
	Run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"run"`
	Severity domain.SeverityBreakdown `json:"severity"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Mismatched     int64

	mu        sync.Mutex
	latencies []time.Duration
	first     *domain.SeverityBreakdown
}

func (m *Metrics) record(elapsed time.Duration, b domain.SeverityBreakdown) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, elapsed)
	if m.first == nil {
		m.first = &b
		return
	}
	if b.GrandTotal != m.first.GrandTotal {
		m.Mismatched++
	}
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "finflag base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	requests := flag.Int("requests", 100, "Number of runs to submit")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	score := flag.Bool("score", true, "Enable the outlier scorer")
	verbose := flag.Bool("verbose", false, "Print each run result")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Println("Usage: benchmark [-url http://localhost:8080] name=path.csv ...")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("finflag benchmark")
	fmt.Printf("\nURL:       %s\n", *baseURL)
	fmt.Printf("Tenant ID: %s\n", *tenantID)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Requests:  %d\n", *requests)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: finflag not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure finflag is running:")
		fmt.Println("  go run ./cmd/finflag")
		os.Exit(1)
	}
	fmt.Println("finflag is healthy")

	batch := domain.BatchRequest{Score: score}
	records := 0
	for _, arg := range flag.Args() {
		name, path, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Printf("ERROR: invalid dataset %q, expected name=path\n", arg)
			os.Exit(1)
		}
		ds, err := tabular.ReadCSV(name, path)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		records += ds.Len()
		batch.Datasets = append(batch.Datasets, ds)
	}
	fmt.Printf("Loaded %d datasets, %d records\n", len(batch.Datasets), records)

	body, err := json.Marshal(batch)
	if err != nil {
		fmt.Printf("ERROR: failed to encode batch: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(body, *baseURL, *tenantID, *requests, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration, records)
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

func runBenchmark(body []byte, baseURL, tenantID string, requests, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan int, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for n := range work {
				start := time.Now()
				result, err := submitRun(client, baseURL, tenantID, body)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: run %d -> %v\n", n, err)
					}
					continue
				}

				metrics.record(elapsed, result.Severity)

				if verbose {
					fmt.Printf("run %-5d | %s | %-9s | flagged %d | %v\n",
						n, result.Run.ID, result.Run.Status, result.Severity.GrandTotal, elapsed.Round(time.Millisecond))
				}
			}
		}()
	}

	for i := 0; i < requests; i++ {
		work <- i
	}
	close(work)

	wg.Wait()

	return metrics
}

func submitRun(client *http.Client, baseURL, tenantID string, body []byte) (*RunResponse, error) {
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration, records int) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nRUNS\n")
	fmt.Printf("   Total Submitted:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Total Mismatches: %d\n", m.Mismatched)

	if m.first != nil {
		fmt.Printf("\nSEVERITY (first run)\n")
		for _, tier := range m.first.Tiers {
			fmt.Printf("   %-7s %8d  (%.2f%%)\n", tier.Severity, tier.Count, tier.Percent)
		}
		fmt.Printf("   Grand total: %d\n", m.first.GrandTotal)
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := len(m.latencies); n > 0 {
		var sum time.Duration
		for _, l := range m.latencies {
			sum += l
		}
		fmt.Printf("   Avg Latency:      %v\n", (sum / time.Duration(n)).Round(time.Microsecond))
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f runs/sec\n", float64(n)/duration.Seconds())
		fmt.Printf("   Records/sec:      %.0f\n", float64(n*records)/duration.Seconds())
	}

	if m.Mismatched > 0 {
		fmt.Println("\n   WARNING: runs over identical input reported different totals")
	}
	fmt.Println()
}
