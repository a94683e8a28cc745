package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"medreel.org/internal/config"
	"medreel.org/internal/directory"
	"medreel.org/internal/entitlement"
	"medreel.org/internal/geo"
	"medreel.org/internal/httpapi"
	"medreel.org/internal/obs"
	"medreel.org/internal/reconcile"
	"medreel.org/internal/stream"
)

var version = "0.3.1"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("MEDREEL_COMMIT"))

	// Directory: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store directory.Store
		db    *sql.DB
	)
	if cfg.DatabaseURL != "" {
		pg, err := directory.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open directory: %v", err)
		}
		store = pg
		db = pg.DB()
	} else {
		log.Printf("no MEDREEL_PG_DSN set, using in-memory directory")
		store = directory.NewInMemory()
	}

	events := stream.New()
	resolver := entitlement.New(store,
		entitlement.WithCache(entitlement.NewCache(cfg.CacheTTL)),
		entitlement.WithGeo(geo.NewStatic(cfg.ServiceCountries...)),
		entitlement.WithReverifyWindow(cfg.ReverifyWindow),
		entitlement.WithEvents(events),
	)

	sweeper := reconcile.NewSweeper(store, resolver,
		reconcile.WithBatchSize(cfg.SweepBatchSize),
		reconcile.WithWindow(cfg.SweepWindowStart, cfg.SweepWindowEnd),
		reconcile.WithMemberRate(float64(cfg.MemberUpdatesPerSec)),
	)

	rootCtx, stopSweeps := context.WithCancel(context.Background())
	sweeper.Start(rootCtx, cfg.SweepInterval)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, store, resolver, sweeper, events)
	api.SetTokenTTL(cfg.TokenTTL)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting medreel-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down...")
	obs.SetReady(false)
	stopSweeps()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("stopped")
}
