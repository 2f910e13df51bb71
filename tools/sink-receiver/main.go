// sink-receiver is a development stand-in for the report renderer.
// It accepts execution requests, verifies the HMAC signature when
// SINK_SECRET is set, and dedupes on the execution id header so retried
// deliveries can be observed without being double-counted.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type request struct {
	Timestamp   string `json:"timestamp"`
	ExecutionID string `json:"execution_id"`
	Signature   string `json:"signature"`
	Body        string `json:"body"`
	Duplicate   bool   `json:"duplicate"`
}

type stats struct {
	Count        int64     `json:"count"`
	Duplicates   int64     `json:"duplicates"`
	BadSignature int64     `json:"bad_signature"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	duplicates   int64
	badSignature int64
	seen         map[string]bool
	lastRequests []request
	since        time.Time
	maxStored    = 50
	secret       string
)

func main() {
	since = time.Now().UTC()
	seen = make(map[string]bool)
	secret = os.Getenv("SINK_SECRET")

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/render", renderHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		duplicates = 0
		badSignature = 0
		seen = make(map[string]bool)
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("sink-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func renderHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	execID := r.Header.Get("X-ReportSched-Execution-ID")
	signature := r.Header.Get("X-ReportSched-Signature")

	if secret != "" && !verifySignature(secret, body, signature) {
		mu.Lock()
		badSignature++
		mu.Unlock()
		log.Printf("render rejected: bad signature execution=%s", execID)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":"bad signature"}`)
		return
	}

	req := request{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		ExecutionID: execID,
		Signature:   signature,
		Body:        string(body),
	}

	mu.Lock()
	count++
	if execID != "" && seen[execID] {
		duplicates++
		req.Duplicate = true
	}
	if execID != "" {
		seen[execID] = true
	}
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	if req.Duplicate {
		log.Printf("render received #%d (duplicate): execution=%s", current, execID)
	} else {
		log.Printf("render received #%d: execution=%s %s", current, execID, string(body))
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Duplicates:   duplicates,
		BadSignature: badSignature,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
