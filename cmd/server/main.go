package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/alerts"
	"github.com/technosupport/aquawatch/internal/api"
	"github.com/technosupport/aquawatch/internal/audit"
	"github.com/technosupport/aquawatch/internal/automation"
	"github.com/technosupport/aquawatch/internal/commands"
	"github.com/technosupport/aquawatch/internal/config"
	"github.com/technosupport/aquawatch/internal/data"
	"github.com/technosupport/aquawatch/internal/ingest"
	"github.com/technosupport/aquawatch/internal/jobs"
	"github.com/technosupport/aquawatch/internal/lifecycle"
	"github.com/technosupport/aquawatch/internal/liveness"
	"github.com/technosupport/aquawatch/internal/logging"
	"github.com/technosupport/aquawatch/internal/ratelimit"
)

const serviceName = "aquawatch"

func main() {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("ping database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, undo will fail until it recovers", zap.Error(err))
	}

	// Device logs with local failover
	spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
	if err != nil {
		logger.Warn("device log spool disabled", zap.String("dir", cfg.Audit.SpoolDir), zap.Error(err))
		spool = nil
	}
	auditService := audit.NewService(db, spool, logger.Named("audit"))
	auditService.StartReplayer(ctx, cfg.Audit.ReplayInterval)

	// Command channel and fan-out
	hub := api.NewHub(cfg.Server.AllowedOrigins, logger.Named("ws"))
	var sender commands.Sender = commands.Nop{}
	events := commands.NewFanout(hub)
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName), nats.MaxReconnects(-1))
	if err != nil {
		logger.Warn("nats connect failed, device commands disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
	} else {
		defer nc.Close()
		pub := commands.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishRetryMax, logger.Named("nats"))
		sender = pub
		events = commands.NewFanout(hub, pub)
	}

	// Domain services
	devices := &data.DeviceModel{DB: db}
	alertRepo := &data.AlertModel{DB: db}

	alertMgr := alerts.NewManager(alertRepo,
		alerts.WithUndoStore(alerts.NewRedisUndoBuffer(rdb, alerts.PurgeGrace)),
		alerts.WithBroadcaster(events),
		alerts.WithLogger(logger.Named("alerts")),
	)
	autoSvc := automation.NewService(devices, sender, auditService, logger.Named("automation"))
	dedup := ingest.NewDedup(cfg.Ingest.DedupMaxKeys, cfg.Ingest.DedupTTL)
	ingestSvc := ingest.NewService(devices, alertMgr, autoSvc, events, dedup, logger.Named("ingest"))

	lifecycleSvc := lifecycle.NewService(devices, alertRepo, auditService, lifecycle.Defaults{
		ActiveToRecent:  cfg.Alerts.ActiveToRecent,
		RecentToHistory: cfg.Alerts.RecentToHistory,
		StaleActive:     cfg.Alerts.StaleActive,
	}, logger.Named("lifecycle"))
	monitor := liveness.NewMonitor(liveness.Config{
		DeviceInterval: cfg.Liveness.DeviceInterval,
		SensorInterval: cfg.Liveness.SensorInterval,
		DeviceTimeout:  cfg.Liveness.DeviceTimeout,
		SensorTimeout:  cfg.Liveness.SensorTimeout,
	}, devices, auditService, events, logger.Named("liveness"))

	// Scheduler
	sched := jobs.NewScheduler(jobs.Config{
		Retry:  jobs.RetryPolicy{Attempts: cfg.Scheduler.RetryAttempts, Delay: cfg.Scheduler.RetryDelay},
		Logger: logger.Named("jobs"),
	})
	tasks := lifecycleSvc.Tasks(lifecycle.Schedule{
		ClearBackToNormal: cfg.Scheduler.ClearBackToNormal,
		ArchiveRecent:     cfg.Scheduler.ArchiveRecent,
		PurgeDeleted:      cfg.Scheduler.PurgeDeleted,
		ExpireStale:       cfg.Scheduler.ExpireStale,
	})
	tasks = append(tasks, monitor.Tasks()...)
	if err := audit.CheckRetentionPolicy(cfg.Audit.RetentionDays); err != nil {
		logger.Warn("device log pruning disabled", zap.Error(err))
	} else {
		tasks = append(tasks, jobs.Task{
			Name:     "device_logs.prune",
			Interval: cfg.Audit.PruneInterval,
			Run: func(ctx context.Context) error {
				n, err := auditService.Prune(ctx, cfg.Audit.RetentionDays)
				if n > 0 {
					logger.Info("device logs pruned", zap.Int64("count", n))
				}
				return err
			},
		})
	}
	if err := sched.Add(tasks...); err != nil {
		logger.Fatal("register tasks", zap.Error(err))
	}
	sched.Start()
	logger.Info("scheduler started", zap.Strings("tasks", sched.Tasks()))

	if err := config.Watch(ctx, cfgPath, logger.Named("config"), func(c *config.Config) {
		lifecycleSvc.SetStaleAfter(c.Alerts.StaleActive)
	}); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	}

	// HTTP
	handler := &api.Handler{
		Readings: ingestSvc,
		Alerts:   alertMgr,
		Devices:  devices,
		Logs:     auditService,
		Audit:    auditService,
		Events:   events,
		Logger:   logger.Named("api"),
		Ping:     db.PingContext,
	}
	router := api.NewRouter(handler, hub, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Limiter:        ratelimit.NewLimiter(rdb, cfg.Server.RateLimit.Salt),
		APILimit:       cfg.Server.RateLimit.API,
		ReadingLimit:   cfg.Server.RateLimit.Readings,
		Logger:         logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	hub.Close()
	sched.Stop()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain", zap.Error(err))
		}
	}
}
