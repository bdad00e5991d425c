package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idlink/internal/contact"
	contactmetrics "idlink/internal/contact/metrics"
	"idlink/internal/contact/service"
	"idlink/internal/contact/store"
	"idlink/internal/platform/config"
	"idlink/internal/platform/httpserver"
	"idlink/internal/platform/logger"
	"idlink/internal/platform/middleware"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Reconciliation logic lives in internal/contact.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	contactStore, txRunner := buildStore(cfg, log)

	m := contactmetrics.New()
	reconciler := contact.NewReconciler(contactStore, txRunner,
		service.WithLogger(log),
		service.WithMetrics(m),
	)
	h := contact.NewHandler(reconciler, log)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		h.Register(r)
	})

	srv := httpserver.New(cfg.Addr, r)

	log.Info("starting idlink", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// buildStore selects the PostgreSQL store when DATABASE_URL is configured
// and falls back to the in-memory store for local runs.
func buildStore(cfg config.Server, log *slog.Logger) (service.Store, service.TxRunner) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory contact store")
		mem := store.NewInMemory()
		return mem, mem
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure contacts schema", "error", err)
		os.Exit(1)
	}
	return pg, pg
}
