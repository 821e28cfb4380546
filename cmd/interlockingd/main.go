// Package main boots the interlocking daemon: it wires the Store Gateway, Rule Engine,
// Operational Latch, Signal/Point Machine branches, Route Lifecycle Manager, and Change
// Distributor together and exposes them over the HTTP/WebSocket surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/trackguard/interlocking/infrastructure/config"
	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/infrastructure/metrics"
	"github.com/trackguard/interlocking/infrastructure/ratelimit"
	"github.com/trackguard/interlocking/infrastructure/state"
	"github.com/trackguard/interlocking/internal/distributor"
	"github.com/trackguard/interlocking/internal/httpapi"
	"github.com/trackguard/interlocking/internal/interlocking"
	"github.com/trackguard/interlocking/internal/opstate"
	"github.com/trackguard/interlocking/internal/routes"
	"github.com/trackguard/interlocking/internal/rules"
	"github.com/trackguard/interlocking/internal/store/postgres"
)

const serviceName = "interlockingd"

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	log := logging.NewFromEnv(serviceName)

	dsn, err := config.RequireEnv("DATABASE_URL")
	if err != nil {
		log.Fatal(ctx, "startup: missing database configuration", err)
	}

	if config.GetEnvBool("RUN_MIGRATIONS", true) {
		if err := postgres.Migrate(dsn); err != nil {
			log.Fatal(ctx, "startup: migration failed", err)
		}
	}

	db, err := postgres.Connect(ctx, dsn)
	if err != nil {
		log.Fatal(ctx, "startup: database connect failed", err)
	}
	defer db.Close()

	notifier := postgres.NewNotifier(db.DB, dsn, log)
	defer notifier.Close()

	gw := postgres.New(db, notifier)

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init(serviceName)
	}

	rulesPath := config.GetEnv("RULES_FILE", "configs/rules.yaml")
	var engine *rules.Engine
	if _, statErr := os.ReadFile(rulesPath); statErr == nil {
		doc, err := rules.LoadFile(rulesPath)
		if err != nil {
			log.Fatal(ctx, "startup: rule document load failed", err)
		}
		engine, err = rules.New(doc.AsSignalRules())
		if err != nil {
			log.Fatal(ctx, "startup: rule engine construction failed", err)
		}
	} else {
		log.Warn(ctx, "startup: no rule file found, starting with the operational latch cleared", map[string]interface{}{"path": rulesPath})
	}

	// The latch's own durability guarantee only holds as far as its backend's: the memory
	// backend here does not survive a process restart, so a freeze set before a restart is
	// lost and the latch starts operational again. A durable PersistenceBackend (Redis- or
	// Postgres-backed) closes that gap; none exists in this tree.
	latch, err := opstate.New(state.NewMemoryBackend(5 * time.Minute))
	if err != nil {
		log.Fatal(ctx, "startup: operational latch construction failed", err)
	}
	if engine == nil {
		if err := latch.Clear(ctx, "rule document not loaded: "+rulesPath); err != nil {
			log.Fatal(ctx, "startup: operational latch clear failed", err)
		}
	}

	dist := distributor.New(gw, distributor.DefaultConfig(), log, m)

	service := interlocking.New(gw, engine, latch, log, m, dist.InterlockingObserver())
	signalBranch := interlocking.NewSignalBranch(gw, engine)
	routesManager := routes.New(gw, signalBranch, log, dist.RoutesObserver())

	if err := dist.Start(ctx); err != nil {
		log.Fatal(ctx, "startup: change distributor failed to start", err)
	}
	defer dist.Stop()

	var limiter httpapi.RateLimiter
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		rlLimit := config.GetEnvInt("RATE_LIMIT_REQUESTS", 100)
		rlWindow := config.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute)
		limiter = ratelimit.New(client, rlLimit, rlWindow)
	} else {
		log.Warn(ctx, "startup: REDIS_ADDR not set, command routes are unthrottled", nil)
	}

	srv := httpapi.New(gw, service, routesManager, dist, latch, log, m, limiter, serviceName)
	router := srv.Router()

	timeouts := config.GetDefaultTimeouts()
	port := config.GetPort("httpapi", 8080)
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           router,
		ReadTimeout:       timeouts.HTTP,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      timeouts.HTTP,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info(ctx, "interlockingd listening", map[string]interface{}{"port": port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "interlockingd shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "http server shutdown error", err, nil)
	}
}

