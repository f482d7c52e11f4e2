// Command haven-check is the pre-flight diagnostic: it verifies each layer
// the server depends on and optionally applies the schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/haven/backend/internal/auth"
	"github.com/haven/backend/internal/config"
	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/events"
	"github.com/haven/backend/internal/infra"
	"github.com/haven/backend/internal/store"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config file")
	migrate := flag.Bool("migrate", false, "apply the schema to the configured store")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Haven Backend - Pre-Flight Diagnostic")
	fmt.Println("-------------------------------------")

	checks := []check{
		{"Token broker (HMAC)", checkTokens(cfg)},
		{"Store (Postgres)", checkStore(cfg, *migrate)},
		{"Cache (Redis)", checkCache(cfg)},
		{"Events (Pub/Sub)", checkEvents(cfg)},
	}

	failed := 0
	for _, c := range checks {
		fmt.Printf("Checking %-22s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.run(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("[FAIL]")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("[OK]")
		}
	}

	fmt.Println("-------------------------------------")
	if failed > 0 {
		fmt.Printf("Status: %d check(s) failed.\n", failed)
		os.Exit(1)
	}
	fmt.Println("Status: ready.")
}

func checkTokens(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		broker := auth.NewBroker(auth.BrokerConfig{
			HMACSecret:         cfg.Auth.HMACSecret,
			PreviousHMACSecret: cfg.Auth.PreviousHMACSecret,
		})
		pair, err := broker.IssuePair("preflight", core.KindPlatformAdmin)
		if err != nil {
			return err
		}
		if _, err := broker.Verify(pair.AccessToken, false); err != nil {
			return fmt.Errorf("access token round-trip: %w", err)
		}
		if _, err := broker.Verify(pair.RefreshToken, true); err != nil {
			return fmt.Errorf("refresh token round-trip: %w", err)
		}
		return nil
	}
}

func checkStore(cfg *config.Config, migrate bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if cfg.Store.DSN == "" {
			return nil // in-memory store needs no connectivity
		}
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Ping(ctx); err != nil {
			return err
		}
		if migrate {
			return pg.Migrate(ctx)
		}
		return nil
	}
}

func checkCache(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if cfg.Cache.Addr == "" {
			return nil // local cache
		}
		redis, err := infra.NewRedisCache(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			return err
		}
		key := "preflight:" + time.Now().Format(time.RFC3339Nano)
		if err := redis.Set(ctx, key, []byte("ok"), time.Minute); err != nil {
			return err
		}
		return redis.Del(ctx, key)
	}
}

func checkEvents(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if cfg.Events.PubSubProject == "" {
			return nil // in-process bus only
		}
		bus, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			return err
		}
		defer bus.Close()
		return bus.HealthCheck(ctx)
	}
}
