// Command hostd runs the mini-app host: sandboxed execution, capability
// brokering, staged rollout, and OTA updates, with an admin REST API.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/miniapphost/runtime/internal/bridge"
	"github.com/miniapphost/runtime/internal/config"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/httpapi"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/internal/ota"
	"github.com/miniapphost/runtime/internal/permission"
	"github.com/miniapphost/runtime/internal/rollout"
	"github.com/miniapphost/runtime/internal/runtime"
	"github.com/miniapphost/runtime/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/host.yaml", "path to the host config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "hostd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	eventLog := events.NewRing(cfg.EventBufferSize)
	collector := metrics.NewCollector(cfg.MetricsNamespace)

	perms := permission.NewManager(
		permission.WithPromptTimeout(cfg.PromptTimeout),
		permission.WithEventLogger(eventLog),
		permission.WithLogger(log),
	)

	br := bridge.New(perms,
		bridge.WithInvokeTimeout(cfg.Bridge.InvokeTimeout),
		bridge.WithConcurrency(cfg.Bridge.Concurrency),
		bridge.WithRateLimit(cfg.Bridge.RateLimit, cfg.Bridge.RateBurst),
		bridge.WithMetrics(collector),
		bridge.WithLogger(log),
	)
	storage := bridge.NewAppStorage()
	br.RegisterHandler("network.fetch", bridge.NewNetworkFetchHandler(nil))
	br.RegisterHandler("storage.get", storage.GetHandler())
	br.RegisterHandler("storage.set", storage.SetHandler())
	br.RegisterHandler("storage.delete", storage.DeleteHandler())
	br.RegisterHandler("clock.now", bridge.ClockNowHandler)

	rollouts := rollout.NewManager(
		rollout.WithEventLogger(eventLog),
		rollout.WithMetrics(collector),
		rollout.WithLogger(log),
	)

	rt := runtime.NewManager(br, perms, rollouts, runtime.DirResolver{Dir: cfg.BundleDir},
		runtime.WithEventLogger(eventLog),
		runtime.WithMetrics(collector),
		runtime.WithLogger(log),
	)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var source ota.Source = ota.NullSource{}
	if cfg.Updates.SourceURL != "" {
		source = ota.NewHTTPSource(cfg.Updates.SourceURL, nil)
	}

	otaOpts := []ota.Option{
		ota.WithEventLogger(eventLog),
		ota.WithMetrics(collector),
		ota.WithLogger(log),
	}
	if cfg.Updates.VerifyKeyHex != "" {
		key, err := hex.DecodeString(cfg.Updates.VerifyKeyHex)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("updates.verifyKey is not a hex ed25519 public key")
		}
		otaOpts = append(otaOpts, ota.WithVerifyKey(ed25519.PublicKey(key)))
	}
	updates := ota.NewManager(source, store, rt, otaOpts...)

	if cfg.Updates.SourceURL != "" {
		if err := updates.StartPolling(cfg.Updates.PollSchedule, rt.ActiveAppIDs); err != nil {
			return err
		}
		defer updates.StopPolling()
	}

	handler := httpapi.New(httpapi.Config{
		Runtime:     rt,
		Rollouts:    rollouts,
		Updates:     updates,
		Perms:       perms,
		Events:      eventLog,
		Metrics:     collector,
		Log:         log,
		JWTSecret:   cfg.Server.JWTSecret,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("admin api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	rt.Shutdown(shutdownCtx)
	return nil
}

// buildStore selects the installed-version store backend.
func buildStore(cfg *config.Config) (ota.VersionStore, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		return ota.NewRedisStore(client, ""), func() { _ = client.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store := ota.NewPostgresStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return ota.NewMemoryStore(), func() {}, nil
	}
}
