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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/openmodal/voicerelay/config"
	"github.com/openmodal/voicerelay/gateway"
	"github.com/openmodal/voicerelay/metrics"
	"github.com/openmodal/voicerelay/ragstore"
	"github.com/openmodal/voicerelay/relay"
	"github.com/openmodal/voicerelay/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	gw, err := gateway.NewGemini(ctx, cfg.GeminiAPIKey, cfg.VoiceName)
	if err != nil {
		log.Fatalf("Failed to create speech gateway: %v", err)
	}

	// Redis backs the context provider and session bookkeeping. The relay
	// still works without it; RAG sessions then degrade to empty context.
	redisClient, provider := connectRedis(cfg)

	manager := relay.NewManager(cfg, gw, provider, redisClient, m)
	go manager.StartCleanupRoutine(ctx)

	srv := server.New(cfg, manager, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-sigChan:
			log.Println("\nReceived shutdown signal...")
		case <-gctx.Done():
			return gctx.Err()
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil &&
		!errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

func connectRedis(cfg *config.Config) (*redis.Client, ragstore.Provider) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("⚠️ Redis unavailable (%v), continuing without session context", err)
		return nil, nil
	}
	return client, ragstore.NewRedisStore(client, cfg.MaxContextChars)
}
