// Command hqmd runs the HTTP queue daemon: Redis index, Postgres durable
// store, worker pool, REST API, metrics and the event stream.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/hqm/engine"
	"github.com/itskum47/hqm/queue"
	"github.com/itskum47/hqm/store"
	"github.com/itskum47/hqm/stream"
)

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	durable, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	log.Printf("Connected to Postgres")

	index, err := queue.NewRedisIndex(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.RedisDB, cfg.KeyPrefix)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	eng := engine.New(durable, index, nil, cfg.Engine)
	hub := stream.NewHub(eng)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	log.Printf("Engine started with %d workers", cfg.Engine.Workers)

	mux := http.NewServeMux()
	NewAPI(eng, durable).routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.Handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("hqmd listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down")
		eng.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	eng.Close()
	log.Printf("hqmd stopped")
}
