// Command server runs the Haven backend: panic ingest, dispatch, realtime
// fan-out, and the maintenance scheduler, all behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/haven/backend/internal/abuse"
	"github.com/haven/backend/internal/api"
	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/coverage"
	"github.com/haven/backend/internal/dispatch"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/infra"
	"github.com/haven/backend/internal/middleware"
	"github.com/haven/backend/internal/notify"
	"github.com/haven/backend/internal/org"
	"github.com/haven/backend/internal/realtime"
	"github.com/haven/backend/internal/scheduler"
	"github.com/haven/backend/internal/store"
	"github.com/haven/backend/internal/subscription"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// Storage: Postgres when a DSN is configured, otherwise in-memory.
	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			logger.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.Migrate(migrateCtx); err != nil {
			cancel()
			logger.Fatalf("migrate: %v", err)
		}
		cancel()
		st = pg
		logger.Println("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Println("no DSN configured, using in-memory store")
	}

	// Cache: Redis when configured, process-local otherwise.
	var cache infra.Cache
	var local *infra.LocalCache
	if cfg.Cache.Addr != "" {
		redis, err := infra.NewRedisCache(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			logger.Fatalf("connect redis: %v", err)
		}
		cache = redis
		logger.Printf("using redis cache at %s", cfg.Cache.Addr)
	} else {
		local = infra.NewLocalCache()
		cache = local
		logger.Println("no redis configured, using local cache")
	}

	// Events: the in-process bus, mirrored to Pub/Sub when configured.
	var bus events.Broker
	if cfg.Events.PubSubProject != "" {
		psb, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			logger.Fatalf("connect pubsub: %v", err)
		}
		defer psb.Close()
		bus = psb
	} else {
		bus = events.NewBus()
		logger.Println("no pubsub project configured, events stay in-process")
	}

	// Outbound integrations. The real gateway adapters slot in behind these
	// interfaces; development runs on the in-process mocks.
	var sender notify.Sender = &notify.RetryingSender{Next: &notify.MockSender{}}
	var payment notify.Payment = notify.NewMockPayment()
	var attest notify.Attestation = notify.MockAttestation{}
	if !cfg.Development() {
		logger.Println("WARNING: mock payment/sender/attestation active outside development")
	}

	broker := auth.NewBroker(auth.BrokerConfig{
		HMACSecret:         cfg.Auth.HMACSecret,
		PreviousHMACSecret: cfg.Auth.PreviousHMACSecret,
		AccessTTL:          cfg.Auth.AccessTokenTTL,
		RefreshTTL:         cfg.Auth.RefreshTokenTTL,
	})

	resolver := coverage.NewResolver(st, cache)
	subs := subscription.NewService(st, payment, bus, cfg.Dispatch)
	disp := dispatch.NewService(st, resolver, subs, bus, cfg.Dispatch)
	authSvc := auth.NewService(st, broker, sender, cfg.Auth)
	orgSvc := org.NewService(st, sender, resolver, cfg.Auth)
	abuseSvc := abuse.NewService(st, payment, bus, cfg.Fines)
	hub := realtime.NewHub(st, bus)
	limiter := middleware.NewRateLimiter(cfg.Dispatch.MaxRequests, cfg.Dispatch.RateWindow)

	abuseSvc.Start()
	defer abuseSvc.Stop()
	hub.Run()
	defer hub.Stop()

	sched := scheduler.New(st, bus)
	sched.Add("expiry_notices", 5*time.Minute, sched.ExpiryNotices)
	sched.Add("request_timeouts", time.Minute, func(ctx context.Context) error {
		disp.TimeoutSweep(ctx)
		return nil
	})
	sched.Add("coverage_warm", 10*time.Minute, resolver.Warm)
	sched.Add("housekeeping", 10*time.Minute, func(ctx context.Context) error {
		limiter.Sweep()
		if local != nil {
			local.Sweep()
		}
		return nil
	})
	sched.Add("revoked_tokens", time.Hour, func(ctx context.Context) error {
		broker.SweepRevoked()
		return nil
	})
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(api.Deps{
		Store:       st,
		Auth:        authSvc,
		Dispatch:    disp,
		Subs:        subs,
		Org:         orgSvc,
		Abuse:       abuseSvc,
		Coverage:    resolver,
		Hub:         hub,
		Limiter:     limiter,
		Attestation: attest,
		Development: cfg.Development(),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s (env %s)", cfg.Server.Bind, cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
