// Command pregel-server runs the HTTP collaborator surface (threads, runs,
// assistants, cross-thread store) over a pregel.Engine-backed runtime.
//
// It wires storage, metrics, and logging the way this stack already does it
// - flag/env for configuration, emit.LogEmitter to stdout, a Prometheus
// registry (Go runtime collector only; no PrometheusMetrics is constructed)
// served on its own listener - and leaves assistant registration to the embedding
// caller: a graph definition isn't something this binary can discover on
// its own, so operators building a real deployment import this package's
// collaborators directly and call Registry.Register before traffic starts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/pregel-go/httpapi"
	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/pregel/runtime"
	"github.com/dshills/pregel-go/pregel/store"
	"github.com/dshills/pregel-go/stream"
)

func main() {
	var (
		addr           = flag.String("addr", envOr("PREGEL_ADDR", ":8080"), "address the HTTP API listens on")
		metricsAddr    = flag.String("metrics-addr", envOr("PREGEL_METRICS_ADDR", ":9090"), "address the Prometheus /metrics endpoint listens on")
		checkpointDrv  = flag.String("checkpointer", envOr("PREGEL_CHECKPOINTER", "memory"), "checkpoint backend: memory, sqlite, mysql")
		checkpointDSN  = flag.String("checkpointer-dsn", envOr("PREGEL_CHECKPOINTER_DSN", "pregel.db"), "sqlite path or mysql DSN for the checkpoint backend")
		threadDrv      = flag.String("store", envOr("PREGEL_STORE", "memory"), "thread/run store backend: memory, sqlite, mysql")
		threadDSN      = flag.String("store-dsn", envOr("PREGEL_STORE_DSN", "pregel.db"), "sqlite path or mysql DSN for the thread/run store")
		streamBacklog  = flag.Int("stream-backlog", 256, "per-subscriber event backlog before backpressure kicks in")
		streamWait     = flag.Duration("stream-backpressure-wait", 2*time.Second, "how long a slow SSE subscriber is given before an event is dropped")
		jsonLogs       = flag.Bool("json-logs", envOr("PREGEL_JSON_LOGS", "") == "true", "emit structured JSON logs instead of plain text")
	)
	flag.Parse()

	logger := emit.NewLogEmitter(os.Stdout, *jsonLogs)

	checkpointer, err := buildCheckpointer(*checkpointDrv, *checkpointDSN)
	if err != nil {
		log.Fatalf("pregel-server: building checkpointer: %v", err)
	}
	threadStore, err := buildThreadStore(*threadDrv, *threadDSN)
	if err != nil {
		log.Fatalf("pregel-server: building thread store: %v", err)
	}

	registry := runtime.NewRegistry()
	manager := runtime.NewManager(threadStore, registry, logger)
	streams := stream.NewMultiplexer(*streamBacklog, *streamWait)

	// metricsRegistry is exposed via /metrics below; an embedding caller
	// builds its own engine-level metrics against it with
	// pregel.NewPrometheusMetrics(metricsRegistry) and pregel.WithMetrics
	// before calling registry.Register.
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(prometheus.NewGoCollector())

	srv := &httpapi.Server{
		Registry:     registry,
		Manager:      manager,
		Store:        threadStore,
		Checkpointer: checkpointer,
		Streams:      streams,
		KV:           httpapi.NewMemKVStore(),
	}
	router := httpapi.NewRouter(srv)

	apiServer := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("pregel-server: API listening on %s", *addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("pregel-server: API server error: %v", err)
		}
	}()
	go func() {
		log.Printf("pregel-server: metrics listening on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("pregel-server: metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("pregel-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("pregel-server: API shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("pregel-server: metrics shutdown: %v", err)
	}
}

func buildCheckpointer(driver, dsn string) (pregel.Checkpointer, error) {
	switch driver {
	case "memory":
		return pregel.NewMemoryCheckpointer(), nil
	case "sqlite":
		return pregel.NewSQLiteCheckpointer(dsn)
	case "mysql":
		return pregel.NewMySQLCheckpointer(dsn)
	default:
		return nil, fmt.Errorf("pregel-server: unknown checkpointer backend %q", driver)
	}
}

func buildThreadStore(driver, dsn string) (store.ThreadStore, error) {
	switch driver {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(dsn)
	case "mysql":
		return store.NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("pregel-server: unknown store backend %q", driver)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
