// reqorchestrator is a persistent, policy-driven web-request orchestrator.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults, overlaid with .env).
//  2. Connect to Postgres and apply pending migrations.
//  3. Build the ProxyPool (Redis-backed if configured, in-memory otherwise)
//     and load any static proxy file.
//  4. Build the Requester, StatusTracker, and Orchestrator.
//  5. Build the Handler and start its background Ticker.
//  6. Start the HTTP API server.
//  7. Block until OS signals SIGINT or SIGTERM, then perform a clean
//     shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fetchkit/reqorchestrator/api"
	"github.com/fetchkit/reqorchestrator/config"
	"github.com/fetchkit/reqorchestrator/handler"
	"github.com/fetchkit/reqorchestrator/logger"
	"github.com/fetchkit/reqorchestrator/metrics"
	"github.com/fetchkit/reqorchestrator/orchestrator"
	"github.com/fetchkit/reqorchestrator/proxypool"
	"github.com/fetchkit/reqorchestrator/requester"
	"github.com/fetchkit/reqorchestrator/statustracker"
	"github.com/fetchkit/reqorchestrator/store"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	migrationsDir := flag.String("migrations", "store/migrations", "Directory of golang-migrate migration files")
	flag.Parse()

	log := logger.New(logger.LevelInfo)
	log.Info("reqorchestrator starting up")

	cfg, err := loadConfig(*configFile, log)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := applyMigrations(cfg.DatabaseDSN, *migrationsDir, log); err != nil {
		log.Errorf("migrations: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(ctx, cfg.DatabaseDSN, log)
	if err != nil {
		log.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	pool := buildProxyPool(ctx, cfg, log)

	// The API's /metrics endpoint serves the default registry.
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	req := requester.New(pool, log)
	defer req.Close()

	tracker := statustracker.New()
	orch := orchestrator.New(db, req, tracker, m, log)
	h := handler.New(db, orch, log)

	ticker := handler.NewTicker(h, cfg.TickInterval)
	ticker.Start(ctx)

	srv := api.New(h, log)
	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			log.Errorf("api server error: %v", err)
		}
	}()
	log.Infof("api server starting on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)

	ticker.Stop()
	cancel()
	log.Info("reqorchestrator shut down cleanly")
}

func loadConfig(configFile string, log *logger.Logger) (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", configFile, err)
		}
		log.Infof("configuration loaded from %q", configFile)
		return cfg, nil
	}
	log.Info("using default configuration")
	return config.DefaultConfig(), nil
}

// applyMigrations runs every pending migration in dir against dsn using
// golang-migrate's pgx v5 driver, so the schema in store/migrations is
// always the source of truth for what's running. golang-migrate selects its
// driver by URL scheme, so the postgres:// DSN used elsewhere is rewritten
// to pgx5:// for this call only.
func applyMigrations(dsn, dir string, log *logger.Logger) error {
	migrateDSN := strings.Replace(dsn, "postgres://", "pgx5://", 1)
	m, err := migrate.New("file://"+dir, migrateDSN)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("migrations applied (or already up to date)")
	return nil
}

// buildProxyPool wires a Redis-backed ProxyPool when RedisAddr is
// configured, falling back to an in-memory MemStore for single-process
// operation, then loads any static proxy file on top.
func buildProxyPool(ctx context.Context, cfg *config.Config, log *logger.Logger) *proxypool.Pool {
	var backend proxypool.Backend
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		backend = proxypool.NewRedisBackend(client)
		log.Infof("proxy pool backed by redis at %s", cfg.RedisAddr)
	} else {
		backend = proxypool.NewMemStore()
		log.Info("proxy pool backed by in-memory store (no redis configured)")
	}

	pool := proxypool.New(backend)
	if cfg.ProxyFile != "" {
		n, err := pool.LoadProxyFile(ctx, cfg.ProxyFile)
		if err != nil {
			log.Errorf("failed to load proxies from %q: %v", cfg.ProxyFile, err)
		} else {
			log.Infof("loaded %d proxies from %q", n, cfg.ProxyFile)
		}
	} else {
		log.Info("no proxy file configured")
	}
	return pool
}
