package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outcome-exchange/internal/api"
	"outcome-exchange/internal/config"
	"outcome-exchange/internal/db"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/ws"
)

func main() {
	cfg := config.Load()

	// DB
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	log.Println("[main] connected to database")

	// Migrations
	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("[main] migrations applied")

	// WS Hub
	hub := ws.NewHub()

	// Engine
	persist := func(evType string, marketID *uint64, payload any) {
		if err := store.AppendEvent(context.Background(), evType, marketID, payload); err != nil {
			log.Printf("[main] append event %s: %v", evType, err)
		}
	}
	eng := engine.New(engine.Config{MinStake: cfg.MinStake}, hub.Publish, persist)

	// Restore committed state from the latest snapshot.
	if raw, err := store.LoadSnapshot(context.Background()); err != nil {
		log.Fatalf("load snapshot: %v", err)
	} else if raw != nil {
		var snap engine.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			log.Fatalf("decode snapshot: %v", err)
		}
		eng.Restore(snap)
		log.Printf("[main] restored snapshot from %s (%d markets)", snap.TakenAt.Format(time.RFC3339), len(snap.Markets))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// Periodic snapshots
	go snapshotLoop(ctx, eng, store, cfg)

	// HTTP
	srv := api.NewServer(store, eng, hub, cfg)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	go func() {
		log.Printf("[main] listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// Final snapshot on shutdown so nothing committed is lost.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("[main] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	saveSnapshot(shutdownCtx, eng, store)
	cancel()
}

func snapshotLoop(ctx context.Context, eng *engine.Engine, store *db.Store, cfg *config.Config) {
	ticker := time.NewTicker(cfg.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshot(ctx, eng, store)
			if err := store.PruneSnapshots(ctx, cfg.SnapshotKeep); err != nil {
				log.Printf("[main] prune snapshots: %v", err)
			}
		}
	}
}

func saveSnapshot(ctx context.Context, eng *engine.Engine, store *db.Store) {
	snap := eng.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[main] encode snapshot: %v", err)
		return
	}
	if err := store.SaveSnapshot(ctx, raw); err != nil {
		log.Printf("[main] save snapshot: %v", err)
	}
}
