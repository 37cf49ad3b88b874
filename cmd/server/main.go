package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vidshift/api/internal/config"
	"github.com/vidshift/api/internal/handler"
	"github.com/vidshift/api/internal/health"
	"github.com/vidshift/api/internal/middleware"
	"github.com/vidshift/api/internal/params"
	"github.com/vidshift/api/internal/pipeline"
	"github.com/vidshift/api/internal/scheduler"
	"github.com/vidshift/api/internal/service"
	"github.com/vidshift/api/internal/storage"
	"github.com/vidshift/api/internal/store"
	ws "github.com/vidshift/api/internal/websocket"
	"github.com/vidshift/api/internal/worker"
	"github.com/vidshift/api/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.New(logger.Config{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		ServiceName: "vidshift-api",
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis backs the shared store, the asynq queue and the rate limiter
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLog.WithError(err).Warn("redis not available")
		}
	}

	jobStore, err := openStore(cfg, redisClient)
	if err != nil {
		fatal(appLog, "failed to open job store", err)
	}
	defer jobStore.Close()

	objects, err := openObjects(cfg)
	if err != nil {
		fatal(appLog, "failed to open object storage", err)
	}

	if cfg.Pipeline.WorkDir != "" {
		if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0o755); err != nil {
			fatal(appLog, "failed to create work dir", err)
		}
	}

	// Initialize WebSocket hub
	hub := ws.NewHub(appLog)
	go hub.Run(ctx)

	engine := pipeline.NewFFmpegEngine(cfg.Pipeline.FFmpegPath, cfg.Pipeline.FFprobePath)
	edits := pipeline.New(engine, cfg.Pipeline.FontFile, appLog)
	editWorker := worker.NewEditWorker(jobStore, objects, edits, hub, cfg.Pipeline.WorkDir, cfg.Scheduler.JobTimeout, appLog)

	var dispatcher scheduler.Dispatcher
	switch cfg.Scheduler.Backend {
	case config.SchedulerAsynq:
		dispatcher = scheduler.NewAsynqDispatcher(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Scheduler.Capacity, cfg.Scheduler.JobTimeout, editWorker, cfg.Server.LogLevel, appLog)
	default:
		dispatcher = scheduler.NewPool(cfg.Scheduler.Capacity, cfg.Scheduler.QueueSize, editWorker, appLog)
	}
	if err := dispatcher.Start(ctx); err != nil {
		fatal(appLog, "failed to start dispatcher", err)
	}

	if cfg.Store.Backend != config.StoreMemory {
		// Other asynq workers may still own processing jobs.
		failRunning := cfg.Scheduler.Backend == config.SchedulerLocal
		if _, err := scheduler.Recover(ctx, jobStore, dispatcher, failRunning, appLog); err != nil {
			appLog.WithError(err).Error("job recovery failed")
		}
	}

	sweeper := service.NewSweeper(jobStore, objects, cfg.Store.Retention, cfg.Store.SweepInterval, appLog)
	go sweeper.Run(ctx)

	monitor := health.NewMonitor(health.SystemSampler{}, dispatcher, cfg.Health.Interval, cfg.Health.SampleTimeout, appLog)
	go monitor.Run(ctx)

	// Initialize services
	editService := service.NewEditService(jobStore, objects, dispatcher, params.New(validator.New()), service.Options{
		Prober:      edits,
		Interrupter: editWorker,
		Notifier:    hub,
		SpoolDir:    cfg.Pipeline.WorkDir,
	}, appLog)

	uploadLimit := int64(cfg.Server.BodyLimitMB) * 1024 * 1024
	routes := handler.Routes{
		Edit:   handler.NewEditHandler(editService, cfg.Server.SubmitMode, cfg.Server.SyncTimeout, uploadLimit),
		Health: handler.NewHealthHandler(monitor),
		Watch:  handler.NewWatchHandler(editService, hub),
	}
	if cfg.Auth.JWTSecret != "" {
		routes.Auth = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret).Authenticate()
	}
	if cfg.RateLimit.SubmitPerHour > 0 {
		routes.SubmitLimit = middleware.NewRateLimiter(redisClient, appLog).SubmitLimit(cfg.RateLimit.SubmitPerHour)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:      handler.ErrorHandler,
		BodyLimit:         int(uploadLimit),
		StreamRequestBody: true,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Register(app, routes)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			appLog.WithError(err).Error("server shutdown error")
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Info("server starting", "addr", addr, "env", cfg.Server.Env,
		"store", cfg.Store.Backend, "storage", cfg.Storage.Backend, "scheduler", cfg.Scheduler.Backend)
	if err := app.Listen(addr); err != nil {
		appLog.WithError(err).Error("server error")
	}

	// Running jobs see the cancellation and record the interruption.
	stop()
	if err := dispatcher.Close(); err != nil {
		appLog.WithError(err).Warn("dispatcher close error")
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Backend == config.StoreRedis ||
		cfg.Scheduler.Backend == config.SchedulerAsynq ||
		cfg.RateLimit.SubmitPerHour > 0
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		return store.NewSQLiteStore(cfg.Store.SQLitePath)
	case config.StoreRedis:
		return store.NewRedisStore(redisClient, cfg.Store.Retention), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openObjects(cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.Storage.Backend == config.StorageS3 {
		return storage.NewS3Store(&cfg.Storage.S3)
	}
	return storage.NewLocalStore(cfg.Storage.LocalRoot)
}

func fatal(l *logger.Logger, msg string, err error) {
	l.WithError(err).Error(msg)
	os.Exit(1)
}
