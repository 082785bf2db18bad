package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitegate/internal/bootstrap"
	"sitegate/pkg/config"
	"sitegate/pkg/db"
	"sitegate/pkg/logger"
	"sitegate/pkg/metrics"
	"sitegate/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()
	log.Infow("starting web-service", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatalw("database", "err", err)
	}
	rdb, err := db.Redis(ctx, cfg, log)
	if err != nil {
		log.Fatalw("redis", "err", err)
	}
	tracer, err := middleware.NewTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		log.Fatalw("tracing", "err", err)
	}

	deps := bootstrap.Deps{
		Pool:       pool,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Metrics:    metrics.New("sitegate"),
		Tracer:     tracer,
	}
	if rdb != nil {
		deps.Redis = rdb
	}
	app, err := bootstrap.New(ctx, cfg, log, deps)
	if err != nil {
		log.Fatalw("startup", "err", err)
	}
	go app.RunSessionCleanup(ctx, 10*time.Minute)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("web-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "err", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown", "err", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pool != nil {
		pool.Close()
	}
	log.Infow("web-service stopped")
}
