package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"example.com/charsync/internal/access"
	"example.com/charsync/internal/config"
	"example.com/charsync/internal/convergence"
	"example.com/charsync/internal/ingest"
	"example.com/charsync/internal/storage"
	"example.com/charsync/internal/storage/memory"
	spg "example.com/charsync/internal/storage/postgres"
	"example.com/charsync/internal/storage/sqlite"
	"example.com/charsync/internal/telemetry"
	transport "example.com/charsync/internal/transport/http"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("[boot] config: %v", err)
	}
	log.Printf("[boot] config: backend=%s port=%s variants=%v wait=%s", cfg.Backend, cfg.Port, cfg.Variants, cfg.ViewModelUpdateTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "charsync-events-api",
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		log.Fatalf("[boot] tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("[boot] storage: %v", err)
	}
	defer backend.Close()
	log.Printf("[boot] storage: %s ready", cfg.Backend)

	if cfg.SeedFile != "" {
		if err := seedFromFile(ctx, cfg.SeedFile, backend); err != nil {
			log.Fatalf("[boot] seed: %v", err)
		}
		log.Printf("[boot] seeded from %s", cfg.SeedFile)
	}

	now := func() time.Time { return time.Now().UTC() }
	index := convergence.NewIndex(backend, cfg.RefreshEventType, cfg.IndexRefreshAfter, now)
	if cfg.RebuildIndexOnStart {
		n, err := index.Rebuild(ctx)
		if err != nil {
			log.Fatalf("[boot] index rebuild: %v", err)
		}
		log.Printf("[boot] index rebuilt: %d characters", n)
	}
	waiter := convergence.NewWaiter(backend, convergence.NewGuard(), cfg.ViewModelUpdateTimeout)
	gateway := ingest.NewGateway(backend, backend, index, waiter, ingest.Options{
		RefreshEventType: cfg.RefreshEventType,
		FutureHorizon:    cfg.TooFarInFutureFilterTime,
		Variants:         cfg.Variants,
		Now:              now,
	})

	deps := &transport.ServerDeps{
		Cfg:     cfg,
		Gateway: gateway,
		Gate:    access.NewGate(backend, now),
		Store:   backend,
		Now:     now,
	}
	h := deps.Router()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ViewModelUpdateTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("[boot] listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[boot] http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), cfg.ViewModelUpdateTimeout+5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	log.Printf("[boot] stopped")
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := spg.Connect(ctx, cfg.PostgresDSN, spg.DefaultListenRetry)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return db, nil
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLitePath, cfg.SQLitePoll)
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}
