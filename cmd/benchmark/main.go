package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/nftledger/internal/api"
	"github.com/punchamoorthee/nftledger/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	rounds      int
	workload    string
	wallet      string
	secret      string
	itemID      string
	intentID    string
	txID        string
)

// Metrics, keyed by HTTP status code
var (
	totalRequests uint64
	statusCounts  sync.Map // int -> *uint64
	transportErrs uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 32, "Number of concurrent workers")
	flag.IntVar(&rounds, "rounds", 10, "Requests per worker")
	flag.StringVar(&workload, "workload", "create", "Workload type: create | confirm")
	flag.StringVar(&wallet, "wallet", "0xb0b", "Buyer wallet the token is issued for")
	flag.StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "HMAC secret shared with the server")
	flag.StringVar(&itemID, "item", "item-0001", "Catalog item (create workload)")
	flag.StringVar(&intentID, "intent", "", "Purchase intent id (confirm workload)")
	flag.StringVar(&txID, "tx", "", "Payment transaction digest (confirm workload)")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("-secret or AUTH_JWT_SECRET is required")
	}
	if workload == "confirm" && (intentID == "" || txID == "") {
		log.Fatal("confirm workload needs -intent and -tx")
	}

	token, err := api.NewAuthenticator(secret).Issue(wallet, "", time.Hour)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Rounds: %d", workload, concurrency, rounds)

	// Every worker submits the same request: one idempotency key, or one
	// intent/tx pair. The server must act on exactly one of them.
	key := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	start := time.Now()
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(token, key)
		}()
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(token, key string) {
	client := &http.Client{Timeout: 10 * time.Second}

	for range rounds {
		var (
			path    string
			payload any
		)
		switch workload {
		case "confirm":
			path = "/api/v1/purchases/" + intentID + "/confirm"
			payload = models.ConfirmPaymentRequest{TxID: txID}
		default:
			path = "/api/v1/purchases"
			payload = models.CreatePurchaseRequest{ItemID: itemID, Quantity: 1}
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&transportErrs, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		counter, _ := statusCounts.LoadOrStore(resp.StatusCode, new(uint64))
		atomic.AddUint64(counter.(*uint64), 1)
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	byStatus := make(map[string]uint64)
	statusCounts.Range(func(k, v any) bool {
		byStatus[fmt.Sprint(k)] = atomic.LoadUint64(v.(*uint64))
		return true
	})

	results := map[string]any{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"status_counts":  byStatus,
		"errors":         atomic.LoadUint64(&transportErrs),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
