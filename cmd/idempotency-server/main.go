// Command idempotency-server runs an HTTP server with the idempotency
// middleware installed in front of a small set of demo handlers, backed
// by a configurable store.Store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	idconfig "quantumlife-idempotency/internal/config"
	"quantumlife-idempotency/internal/manager"
	"quantumlife-idempotency/internal/middleware"
	"quantumlife-idempotency/internal/store/memory"
	"quantumlife-idempotency/internal/store/rediskv"
	sqlstore "quantumlife-idempotency/internal/store/sql"
	"quantumlife-idempotency/internal/sweeper"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/store"
)

var (
	addr       = flag.String("addr", ":8080", "HTTP listen address")
	configPath = flag.String("config", "", "path to idempotency config YAML; empty uses defaults")
	backend    = flag.String("store", "memory", "backend: memory, sqlite, redis")
	sqlitePath = flag.String("sqlite-path", "idempotency.db", "sqlite database path (store=sqlite)")
	redisAddr  = flag.String("redis-addr", "localhost:6379", "redis address (store=redis)")
)

// eventLogger prints every lifecycle event to the standard logger.
type eventLogger struct{}

func (eventLogger) Emit(event events.Event) {
	log.Printf("[EVENT] %s key=%s meta=%v", event.Type, event.Key, event.Metadata)
}

func main() {
	flag.Parse()

	emitter := eventLogger{}

	cfg := idconfig.Default()
	if *configPath != "" {
		loaded, err := idconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	s, closeStore, err := openStore(emitter)
	if err != nil {
		log.Fatalf("open store %s: %v", *backend, err)
	}
	defer closeStore()

	mgr := manager.New(s, cfg.ManagerConfig(emitter))

	mwCfg := cfg.MiddlewareConfig()
	mwCfg.Emitter = emitter
	mw := middleware.New(mgr, mwCfg)

	if time.Duration(cfg.CleanupInterval) > 0 {
		sw := sweeper.New(s, sweeper.Config{
			Interval: time.Duration(cfg.CleanupInterval),
			Opts:     store.CleanupOptions{BatchSize: 500, MaxRecords: cfg.MaxRecords},
			Emitter:  emitter,
		})
		sw.Start()
		defer sw.Stop()
		log.Printf("cleanup sweeper running every %s", time.Duration(cfg.CleanupInterval))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth(s))
	mux.HandleFunc("/payments", handleCreatePayment())
	mux.HandleFunc("/orders/validate", handleValidateOrder())

	handler := mw.Wrap(mux)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("idempotency-server listening on %s (store=%s)", *addr, *backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(emitter events.Emitter) (store.Store, func(), error) {
	switch *backend {
	case "memory":
		s := memory.New(memory.Config{Emitter: emitter})
		return s, func() { s.Close() }, nil

	case "sqlite":
		s, err := sqlstore.Open(sqlstore.Config{Path: *sqlitePath, Emitter: emitter})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		s := rediskv.New(rediskv.Config{Client: client, Emitter: emitter, OwnsClient: true})
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want memory, sqlite, redis)", *backend)
	}
}

// handleHealth reports store reachability. Excluded from idempotency
// handling because the default gated methods are POST, PUT and PATCH, so
// a GET passes straight through (spec §6 methods).
func handleHealth(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}
}

// handleCreatePayment is a demo handler standing in for a write endpoint
// that benefits from idempotent retries.
func handleCreatePayment() http.HandlerFunc {
	var counter int
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"payment_id":"pay_%d"}`, counter)
	}
}

// orderRequest is the expected body for /orders/validate.
type orderRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// handleValidateOrder is a demo handler standing in for a write endpoint
// whose own business validation can fail client-side (422), exercising
// the middleware's "replay a non-2xx terminal response the same as a
// success" path (spec §9 first Open Question: only status >= 500 marks
// a record FAILED).
func handleValidateOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}

		var req orderRequest
		if err := json.Unmarshal(body, &req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintf(w, `{"error":"invalid order payload: %s"}`, err.Error())
			return
		}
		if req.SKU == "" || req.Quantity <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":"sku is required and quantity must be positive"}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"sku":%q,"quantity":%d,"valid":true}`, req.SKU, req.Quantity)
	}
}
