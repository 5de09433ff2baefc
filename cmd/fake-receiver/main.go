package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/deskrelay/deskrelay/internal/config"
)

var (
	failFirstN    = 0
	responseDelay time.Duration
	reqCount      atomic.Int64
)

func main() {
	cfg := config.FromEnv()
	failFirstN = cfg.FakeReceiver.FailFirstN
	responseDelay = time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s (fail_first_n=%d delay=%s)", srv.Addr, failFirstN, responseDelay)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(failFirstN) {
		log.Printf("FAILING (%d/%d) %s %s headers=%d body=%s", n, failFirstN, r.Method, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s %s headers=%d body=%q", r.Method, r.URL.Path, len(r.Header), truncate(string(b), 160))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
