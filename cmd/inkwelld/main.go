package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ebakumov/inkwell/internal/breaker"
	"github.com/ebakumov/inkwell/internal/cache"
	"github.com/ebakumov/inkwell/internal/config"
	"github.com/ebakumov/inkwell/internal/engine"
	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/provider"
	"github.com/ebakumov/inkwell/internal/search"
	"github.com/ebakumov/inkwell/internal/store"
	transport "github.com/ebakumov/inkwell/internal/transport/http"
	"github.com/ebakumov/inkwell/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting inkwelld...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Workers: %d", cfg.Worker.Size)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	categoryTTLs := map[string]time.Duration{}
	for category, ttl := range cfg.Cache.CategoryTTLs {
		categoryTTLs[category] = ttl.Std()
	}
	tiered := cache.New(cache.NewMemoryBackend(), cache.Options{
		LocalCapacity: cfg.Cache.LocalCapacity,
		LocalTTL:      cfg.Cache.LocalTTL.Std(),
		DefaultTTL:    cfg.Cache.DefaultTTL.Std(),
		CategoryTTLs:  categoryTTLs,
	})

	brk := breaker.New(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTime:     cfg.Breaker.RecoveryTime.Std(),
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	})

	tracker := foreshadow.NewTracker(db)
	hub := transport.NewHub()

	runner := &worker.EngineRunner{
		Store:              db,
		StallTimeout:       cfg.Worker.StallTimeout.Std(),
		StallCheckInterval: cfg.Worker.StallCheckInterval.Std(),
	}

	// Progress fan-out: live SSE, durable run-event rows, stall tracking.
	sink := func(ev map[string]any) {
		hub.Send(ev)
		runner.Observe(ev)
		persistEvent(db, ev)
	}
	runner.Progress = sink

	// The canned generator stands in until a real provider is configured.
	var gen provider.Generator = provider.Canned{}

	eng := engine.New(engine.Deps{
		Store:    db,
		Provider: gen,
		Breaker:  brk,
		Cache:    tiered,
		Tracker:  tracker,
		Search:   search.NewKeyword(),
		Progress: sink,
	}, engine.Config{
		MaxRetries:       cfg.Engine.MaxRetries,
		MaxStyleRetries:  cfg.Engine.MaxStyleRetries,
		PlanRetries:      cfg.Engine.PlanRetries,
		DueSoonLookahead: cfg.Engine.DueSoonLookahead,
		SoftTimeout:      cfg.Engine.SoftTimeout.Std(),
		HardTimeout:      cfg.Engine.HardTimeout.Std(),
		Temperature:      cfg.Engine.Temperature,
		MaxTokens:        cfg.Engine.MaxTokens,
	})
	runner.Engine = eng

	pool := worker.NewPool(runner, worker.Options{
		Size:         cfg.Worker.Size,
		MaxDeferrals: cfg.Worker.MaxDeferrals,
		Backoff: engine.BackoffConfig{
			InitialDelay: cfg.Worker.BackoffInitial.Std(),
			Factor:       cfg.Worker.BackoffFactor,
			MaxDelay:     cfg.Worker.BackoffMax.Std(),
			Jitter:       cfg.Worker.BackoffJitter,
		},
		OnGiveUp: runner.GiveUp,
	})

	h := transport.NewHandler(db, pool, hub, tracker)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down inkwelld...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: failed to shut down server gracefully: %v", err)
	}
	pool.Close()

	log.Println("inkwelld stopped")
}

// persistEvent appends a progress event to the durable run-event log. Token
// deltas are too chatty to persist; they only matter live.
func persistEvent(db store.Store, ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	evType, _ := ev["type"].(string)
	if runID == "" || evType == "" || evType == "token_streamed" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.AppendRunEvent(ctx, &store.RunEvent{RunID: runID, Type: evType, Payload: payload}); err != nil {
		log.Printf("WARN: failed to persist run event: %v", err)
	}
}
