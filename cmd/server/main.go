package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/api"
	"github.com/ignite/coldsend-control/internal/blacklist"
	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/lifecycle"
	"github.com/ignite/coldsend-control/internal/mailwizz"
	"github.com/ignite/coldsend-control/internal/metrics"
	"github.com/ignite/coldsend-control/internal/node"
	"github.com/ignite/coldsend-control/internal/provision"
	"github.com/ignite/coldsend-control/internal/repository/postgres"
	"github.com/ignite/coldsend-control/internal/retryq"
	"github.com/ignite/coldsend-control/internal/scheduler"
	"github.com/ignite/coldsend-control/internal/stats"
	"github.com/ignite/coldsend-control/internal/warmup"
)

func main() {
	log.Println("[Server] coldsend control plane starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("[Server] load config: %v", err)
	}

	// Core store.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] open postgres: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("[Server] postgres unreachable: %v", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		cancel()
		log.Fatalf("[Server] ensure schema: %v", err)
	}
	cancel()
	log.Println("[Server] postgres ready")

	// Counter cache. A dead Redis degrades counters and job locks, it does
	// not stop the control plane.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Printf("[Server] redis unreachable at %s: %v (continuing)", cfg.Redis.Addr, err)
	}
	pcancel()

	ipStore := postgres.NewIPStore(db)
	planStore := postgres.NewPlanStore(db)
	tenantStore := postgres.NewTenantStore(db)
	blacklistStore := postgres.NewBlacklistStore(db)
	eventStore := postgres.NewEventStore(db)
	healthStore := postgres.NewHealthStore(db)
	alertLogStore := postgres.NewAlertLogStore(db)

	registry := node.NewRegistry(cfg.Nodes)
	defer registry.Close()

	mw := mailwizz.New(cfg.MailWizz)
	defer mw.Close()

	alerter := alert.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, alertLogStore)

	manager := lifecycle.NewManager(ipStore, blacklistStore, alerter, cfg.Rotation.RestDays)
	engine := warmup.NewEngine(planStore, ipStore, mw, alerter, cfg.Warmup)
	manager.SetPlanCreator(engine)

	prov := provision.New(ipStore, provision.NewRegistryResolver(registry), mw)
	checker := blacklist.New(ipStore, blacklistStore, manager, alerter, nil, cfg.Blacklist.Zones)

	queue := retryq.New(cfg.RetryQueue.Dir, cfg.RetryQueue.MaxRetries, cfg.Downstream.HMACSecret)
	tracker := stats.NewTracker(eventStore, ipStore, rdb)
	consolidator := stats.NewConsolidator(planStore, ipStore, rdb)

	gauges := metrics.New(ipStore, planStore, blacklistStore, queue)

	healthProbe := func(ctx context.Context) error {
		health := registry.HealthCheckAll(ctx)
		for _, h := range health {
			if err := healthStore.Insert(ctx, h); err != nil {
				log.Printf("[Server] persist health for %s: %v", h.NodeID, err)
			}
			if !h.Reachable || !h.Running {
				alerter.Send(ctx, alert.SeverityCritical, alert.CategoryHealth,
					fmt.Sprintf("Node %s is down (reachable=%v running=%v)", h.NodeID, h.Reachable, h.Running))
			}
		}
		gauges.ObserveNodes(health)
		registry.FlushPendingReloads(ctx)
		return nil
	}

	sched := scheduler.New(rdb, scheduler.Jobs{
		HealthProbe: healthProbe,
		MetricsRefresh: func(ctx context.Context) error {
			gauges.Refresh(ctx)
			return nil
		},
		RetryDrain:     queue.Drain,
		BlacklistSweep: checker.Sweep,
		QuarantineRelease: func(ctx context.Context) error {
			n, err := manager.ReleaseQuarantine(ctx)
			if n > 0 {
				log.Printf("[Server] released %d IPs from quarantine", n)
			}
			return err
		},
		Consolidation: consolidator.Run,
		WarmupTick:    engine.DailyTick,
		QuotaSync:     engine.SyncQuotas,
		UsageReset: func(ctx context.Context) error {
			n, err := mw.ResetAllDailyUsage(ctx)
			if n > 0 {
				log.Printf("[Server] reset daily usage on %d delivery servers", n)
			}
			return err
		},
		MonthlyRotation: func(ctx context.Context) error {
			rotated, err := manager.MonthlyRotation(ctx)
			if len(rotated) > 0 {
				log.Printf("[Server] monthly rotation retired %d IPs", len(rotated))
			}
			return err
		},
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("[Server] start scheduler: %v", err)
	}

	handlers := api.NewHandlers(ipStore, planStore, tenantStore, manager, engine, prov, tracker, registry)
	handlers.SetDownstream(cfg.Downstream.BounceURL, cfg.Downstream.HMACSecret, queue)
	router := api.SetupRoutes(handlers, cfg.Webhook.Secret, cfg.Webhook.AllowedIPs, gauges.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("[Server] received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("[Server] http server: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] http shutdown: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("[Server] close postgres: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("[Server] close redis: %v", err)
	}
	log.Println("[Server] stopped")
}
