package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"siteguard/api/internal/app"
	"siteguard/api/internal/cache"
	"siteguard/api/internal/config"
	"siteguard/api/internal/queue"
	"siteguard/api/internal/store"
	"siteguard/api/internal/syncer"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// The flat store is always present; it is the fallback when the primary
	// document store is unavailable, and the sole backend when the tier runs
	// without a database at all.
	flat, err := store.NewFlatStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("flat store init failed: %v", err)
	}

	var primary store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARNING: database connection failed, running on flat store only: %v", err)
		} else {
			defer db.Close()
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				log.Fatalf("migrations failed: %v", err)
			}
			primary = store.NewPostgresStore(db)
		}
	}

	var readCache *cache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		readCache, err = cache.NewFromURL(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, read cache disabled: %v", err)
		} else {
			defer readCache.Close()
		}
	}

	var dataStore store.Store
	if primary != nil {
		dataStore = store.NewReplica(primary, flat, readCache)
	} else {
		dataStore = flat
	}

	if err := os.MkdirAll(filepath.Dir(cfg.QueuePath), 0o755); err != nil {
		log.Fatalf("failed to create queue dir: %v", err)
	}
	writeQueue, err := queue.Open(cfg.QueuePath)
	if err != nil {
		log.Fatalf("offline queue init failed: %v", err)
	}
	defer writeQueue.Close()

	service := app.New(cfg, dataStore)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: initial blocklist compile failed (will retry on next change): %v", err)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if strings.TrimSpace(cfg.PeerURL) != "" {
		peer := syncer.NewPeerClient(cfg.PeerURL, cfg.SyncToken, cfg.PeerTimeout)
		orchestrator := syncer.NewOrchestrator(peer, dataStore, service.Registry(), writeQueue, cfg.SyncEvery)
		go orchestrator.Run(bgCtx)
		go orchestrator.DrainLoop(bgCtx, cfg.SyncEvery)
		log.Printf("%s tier syncing with peer %s every %s", cfg.Tier, cfg.PeerURL, cfg.SyncEvery)
	} else {
		log.Printf("%s tier running standalone (no peer configured)", cfg.Tier)
	}

	httpServer := app.NewHTTPServer(service, readCache, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("SiteGuard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
