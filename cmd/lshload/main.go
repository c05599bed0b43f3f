// Command lshload drives a mixed insert and candidate-lookup workload
// against a running lshd and reports throughput, latency and block sizes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	WriteRatio  float64
	Preload     int
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the blocking service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	writeRatio := flag.Float64("write-ratio", 0.2, "share of requests that insert a record")
	typoRate := flag.Float64("typo-rate", 0.05, "share of characters edited in near-duplicates")
	preload := flag.Int("preload", 1000, "records inserted through the batch endpoint before the run")
	seed := flag.Int64("seed", 1, "workload random seed")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		WriteRatio:  *writeRatio,
		Preload:     *preload,
	}

	fmt.Println("=== LSH Blocking Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Write Ratio: %.2f\n", cfg.WriteRatio)
	fmt.Println()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	gen := &lockedWorkload{w: NewWorkload(*seed, *typoRate)}

	if cfg.Preload > 0 {
		if err := preloadRecords(client, cfg, gen); err != nil {
			fmt.Fprintf(os.Stderr, "preload failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Preloaded %d records\n\n", cfg.Preload)
	}

	stats := runLoadTest(client, cfg, gen)
	if !stats.PrintReport(os.Stdout, cfg.Duration) {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

type lockedWorkload struct {
	mu sync.Mutex
	w  *Workload
}

func (l *lockedWorkload) record() (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.NextRecord()
}

func (l *lockedWorkload) query() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.NextQuery()
}

func (l *lockedWorkload) write(ratio float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.rng.Float64() < ratio
}

type record struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func preloadRecords(client *http.Client, cfg Config, gen *lockedWorkload) error {
	const chunk = 500
	for done := 0; done < cfg.Preload; done += chunk {
		n := min(chunk, cfg.Preload-done)
		recs := make([]record, n)
		for i := range recs {
			recs[i].ID, recs[i].Text = gen.record()
		}
		body, err := json.Marshal(map[string]any{"records": recs})
		if err != nil {
			return err
		}
		resp, err := client.Post(cfg.BaseURL+"/api/v1/records/batch", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("batch insert returned %d", resp.StatusCode)
		}
	}
	return nil
}

func runLoadTest(client *http.Client, cfg Config, gen *lockedWorkload) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if gen.write(cfg.WriteRatio) {
					doInsert(ctx, client, cfg.BaseURL, gen, stats)
				} else {
					doLookup(ctx, client, cfg.BaseURL, gen, stats)
				}
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func doInsert(ctx context.Context, client *http.Client, baseURL string, gen *lockedWorkload, stats *Stats) {
	id, text := gen.record()
	body, _ := json.Marshal(record{ID: id, Text: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/records", bytes.NewReader(body))
	if err != nil {
		stats.RecordRequest(0, 0, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			stats.RecordRequest(duration, 0, err)
		}
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	stats.inserts.Add(1)
	stats.RecordRequest(duration, resp.StatusCode, nil)
}

func doLookup(ctx context.Context, client *http.Client, baseURL string, gen *lockedWorkload, stats *Stats) {
	target := fmt.Sprintf("%s/api/v1/candidates?q=%s", baseURL, url.QueryEscape(gen.query()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		stats.RecordRequest(0, 0, err)
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			stats.RecordRequest(duration, 0, err)
		}
		return
	}
	defer resp.Body.Close()

	var out struct {
		Candidates []record `json:"candidates"`
		Cached     bool     `json:"cached"`
	}
	if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&out) == nil {
		stats.RecordLookup(len(out.Candidates), out.Cached)
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	stats.RecordRequest(duration, resp.StatusCode, nil)
}
