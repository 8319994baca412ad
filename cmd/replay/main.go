// Replay tool for running recorded transfers through Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/transfers.csv -url http://localhost:8080
//
// This tool:
//  1. Reads transfers from a CSV file, optionally labelled as suspicious
//  2. Posts each one to POST /transactions in file order
//  3. Tallies verdicts by risk level and triggered rule
//  4. When labels are present, compares alerts against them
//
// Expected header (case-insensitive, any order):
//
//	id,type,sender_id,sender_country,receiver_id,receiver_country,amount,currency,timestamp,ip_address[,suspicious]
//
// Timestamps are RFC 3339. Pattern rules depend on history, so workers > 1
// trades accuracy for throughput.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Row is one transfer read from the CSV file.
type Row struct {
	Request    domain.TransactionRequest
	Labelled   bool
	Suspicious bool
}

// TransactionResponse mirrors the body of POST /transactions.
type TransactionResponse struct {
	Transaction *domain.Transaction       `json:"transaction"`
	Screening   *domain.ScreeningResponse `json:"screening"`
}

// Tally tracks replay results.
type Tally struct {
	mu      sync.Mutex
	byLevel map[domain.RiskLevel]int
	byRule  map[string]int

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalBlocked   int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func newTally() *Tally {
	return &Tally{
		byLevel: make(map[domain.RiskLevel]int),
		byRule:  make(map[string]int),
	}
}

func (t *Tally) record(row Row, resp *domain.ScreeningResponse) {
	atomic.AddInt64(&t.TotalProcessed, 1)
	if resp.ShouldBlock {
		atomic.AddInt64(&t.TotalBlocked, 1)
	}

	t.mu.Lock()
	t.byLevel[resp.RiskLevel]++
	for _, o := range resp.TriggeredRules {
		t.byRule[o.RuleName]++
	}
	t.mu.Unlock()

	if !row.Labelled {
		return
	}
	predicted := resp.RiskLevel == domain.LevelHigh || resp.RiskLevel == domain.LevelCritical
	switch {
	case predicted && row.Suspicious:
		atomic.AddInt64(&t.TruePositives, 1)
	case predicted && !row.Suspicious:
		atomic.AddInt64(&t.FalsePositives, 1)
	case !predicted && !row.Suspicious:
		atomic.AddInt64(&t.TrueNegatives, 1)
	default:
		atomic.AddInt64(&t.FalseNegatives, 1)
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to transfers CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum transfers to replay (0 = all)")
	workers := flag.Int("workers", 1, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each verdict")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transfers.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║               KESTREL REPLAY - Transfer Screening             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, skipped, err := readCSV(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transfers (%d malformed rows skipped)\n", len(rows), skipped)

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	tally := replay(rows, *baseURL, *tenantID, *workers, *verbose)
	printResults(tally, time.Since(startTime))
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

var requiredColumns = []string{"sender_id", "sender_country", "receiver_id", "amount", "currency", "ip_address"}

// readCSV parses transfers from r. Rows that cannot be parsed are counted
// and skipped.
func readCSV(r io.Reader, limit int) ([]Row, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", col)
		}
	}
	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var rows []Row
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		amount, err := decimal.NewFromString(field(record, "amount"))
		if err != nil {
			skipped++
			continue
		}

		row := Row{Request: domain.TransactionRequest{
			ID:              field(record, "id"),
			Type:            field(record, "type"),
			SenderID:        field(record, "sender_id"),
			SenderCountry:   field(record, "sender_country"),
			ReceiverID:      field(record, "receiver_id"),
			ReceiverCountry: field(record, "receiver_country"),
			Amount:          amount,
			Currency:        field(record, "currency"),
			IPAddress:       field(record, "ip_address"),
		}}
		if ts := field(record, "timestamp"); ts != "" {
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				skipped++
				continue
			}
			row.Request.Timestamp = &parsed
		}
		if label := field(record, "suspicious"); label != "" {
			row.Labelled = true
			row.Suspicious = label == "1" || strings.EqualFold(label, "true")
		}

		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, skipped, nil
}

func replay(rows []Row, baseURL, tenantID string, numWorkers int, verbose bool) *Tally {
	if numWorkers < 1 {
		numWorkers = 1
	}
	tally := newTally()

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				resp, err := submit(client, baseURL, tenantID, &row.Request)
				atomic.AddInt64(&tally.ProcessingTimeMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&tally.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.Request.SenderID, err)
					}
					continue
				}

				tally.record(row, resp)

				if verbose {
					fmt.Printf("%-12s %-12s -> %-12s | %12s %s | %-8s (%3d) %s\n",
						resp.TransactionID,
						row.Request.SenderID,
						row.Request.ReceiverID,
						row.Request.Amount.StringFixed(2),
						row.Request.Currency,
						resp.RiskLevel,
						resp.RiskScore,
						resp.Recommendation,
					)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return tally
}

func submit(client *http.Client, baseURL, tenantID string, req *domain.TransactionRequest) (*domain.ScreeningResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
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
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result TransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Screening == nil {
		return nil, errors.New("response has no screening")
	}
	return result.Screening, nil
}

func printResults(t *Tally, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nVERDICTS\n")
	fmt.Printf("   Total Processed:  %d\n", t.TotalProcessed)
	fmt.Printf("   Blocked:          %d\n", t.TotalBlocked)
	fmt.Printf("   Errors:           %d\n", t.TotalErrors)
	for _, level := range []domain.RiskLevel{domain.LevelLow, domain.LevelMedium, domain.LevelHigh, domain.LevelCritical} {
		fmt.Printf("   %-9s         %d\n", level+":", t.byLevel[level])
	}

	if len(t.byRule) > 0 {
		fmt.Printf("\nTRIGGERED RULES\n")
		names := make([]string, 0, len(t.byRule))
		for name := range t.byRule {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return t.byRule[names[i]] > t.byRule[names[j]] })
		for _, name := range names {
			fmt.Printf("   %-28s %d\n", name, t.byRule[name])
		}
	}

	if labelled := t.TruePositives + t.FalsePositives + t.TrueNegatives + t.FalseNegatives; labelled > 0 {
		fmt.Printf("\nLABELLED TRANSFERS (alert = HIGH or CRITICAL)\n")
		fmt.Println("                        Predicted")
		fmt.Println("                   ALERT      CLEAR")
		fmt.Println("              ┌──────────┬──────────┐")
		fmt.Printf("   Actual  S  │ %8d │ %8d │  (TP, FN)\n", t.TruePositives, t.FalseNegatives)
		fmt.Println("              ├──────────┼──────────┤")
		fmt.Printf("          NS  │ %8d │ %8d │  (FP, TN)\n", t.FalsePositives, t.TrueNegatives)
		fmt.Println("              └──────────┴──────────┘")

		precision, recall := 0.0, 0.0
		if t.TruePositives+t.FalsePositives > 0 {
			precision = float64(t.TruePositives) / float64(t.TruePositives+t.FalsePositives)
		}
		if t.TruePositives+t.FalseNegatives > 0 {
			recall = float64(t.TruePositives) / float64(t.TruePositives+t.FalseNegatives)
		}
		fmt.Printf("   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if done := t.TotalProcessed + t.TotalErrors; done > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(t.ProcessingTimeMs)/float64(done))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(done)/duration.Seconds())
	}
	fmt.Println()
}
