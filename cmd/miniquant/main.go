package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"miniquant/internal/api"
	"miniquant/internal/cache"
	"miniquant/internal/config"
	"miniquant/internal/database"
	"miniquant/internal/logger"
	"miniquant/internal/market"
	"miniquant/internal/monitoring"
	"miniquant/internal/orchestrator"
	"miniquant/internal/strategy/backtest"
)

// Service wires the sweep engine, storage and HTTP API together
type Service struct {
	config     *config.Config
	configPath string

	db         *database.DB
	clickhouse *market.ClickHouseConn
	cache      cache.Cacher
	bus        *orchestrator.RedisEventBus

	tasks     *orchestrator.TaskManager
	scheduler *orchestrator.Scheduler
	server    *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configFile = flag.String("config", "configs/config.yaml", "Configuration file path")
		envFile    = flag.String("env", ".env", "Dotenv file loaded before the configuration")
		watch      = flag.Duration("watch", 10*time.Second, "Config reload interval, 0 disables")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.Logging.Level),
		Format:     logger.LogFormat(cfg.Logging.Format),
		Output:     cfg.Logging.Output,
		Filename:   cfg.Logging.Filename,
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
	})
	logger.Info("Starting MiniQuant sensitivity service", "version", cfg.App.Version, "env", cfg.App.Env)

	service, err := NewService(cfg, *configFile)
	if err != nil {
		logger.Error("Failed to create service", "error", err)
		os.Exit(1)
	}

	if err := service.Start(*watch); err != nil {
		logger.Error("Failed to start service", "error", err)
		service.Shutdown()
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received signal, shutting down", "signal", sig.String())
	service.Shutdown()
}

// NewService opens the configured backends and builds every component
func NewService(cfg *config.Config, configPath string) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{config: cfg, configPath: configPath, ctx: ctx, cancel: cancel}
	metrics := monitoring.NewMetrics()
	config.SetSensitivity(cfg.Sensitivity)

	var (
		runs   orchestrator.RunStore
		users  api.UserStore
		dbDep  api.HealthChecker
		redDep api.HealthChecker
	)

	if cfg.Database.Enabled {
		db, err := database.NewConnection(ctx, &database.Config{
			DSN:     cfg.Database.DSN(),
			MaxOpen: cfg.Database.MaxOpen,
			MaxIdle: cfg.Database.MaxIdle,
			Timeout: cfg.Database.Timeout,
		})
		if err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		s.db = db
		db.SetMonitorCallback(metrics.ObservePool)

		if cfg.Database.AutoMigrate {
			if err := migrate(ctx, db); err != nil {
				s.Shutdown()
				return nil, err
			}
		}
		runs = database.NewRunRepository(db.DB)
		users = database.NewUserRepository(db.DB)
		dbDep = db
	}

	if cfg.ClickHouse.Enabled {
		conn, err := market.NewClickHouseConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		s.clickhouse = conn
		if err := market.NewClickHouseStore(conn).EnsureSchema(ctx); err != nil {
			s.Shutdown()
			return nil, err
		}
	}

	memory := cache.NewMemoryCache(10000)
	s.cache = memory
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(&cache.Config{
			Enabled:  true,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			// 行情缓存降级为内存
			logger.Warn("Redis unavailable, using memory cache", "addr", cfg.Redis.Addr, "error", err)
		} else {
			s.cache = cache.NewFallbackCache(redisCache, memory, nil)
			s.bus = orchestrator.NewRedisEventBus(redisCache.Client(), "")
			redDep = redisCache
		}
	}

	start, end, err := cfg.Backtest.Period()
	if err != nil {
		s.Shutdown()
		return nil, err
	}
	sources := market.Sources{Cache: s.cache, Codes: cfg.Backtest.Codes, Start: start, End: end}
	if s.db != nil {
		sources.DB = s.db.DB
	}
	if s.clickhouse != nil {
		sources.ClickHouse = s.clickhouse
	}
	setup, err := market.NewSetup(cfg.Market, sources)
	if err != nil {
		s.Shutdown()
		return nil, err
	}

	btConfig, err := backtest.ConfigFrom(cfg.Backtest)
	if err != nil {
		s.Shutdown()
		return nil, err
	}
	managerConfig, err := orchestrator.ManagerConfigFrom(cfg)
	if err != nil {
		s.Shutdown()
		return nil, err
	}
	s.tasks = orchestrator.NewTaskManager(backtest.NewPoolRunner(setup.Feed, btConfig), runs, s.cache, metrics, managerConfig)
	if s.bus != nil {
		s.tasks.SetEventBus(s.bus)
	}
	if err := s.tasks.Recover(ctx); err != nil {
		logger.Warn("Failed to recover interrupted runs", "error", err)
	}

	s.scheduler = orchestrator.NewScheduler()
	if cfg.Scheduler.Enabled {
		if err := s.scheduler.Configure(cfg.Scheduler, orchestrator.JobDeps{
			Tasks:   s.tasks,
			Syncer:  setup.Syncer(),
			Metrics: metrics,
		}); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("configure scheduler: %w", err)
		}
	}

	deps := api.Deps{
		Tasks:     s.tasks,
		Limits:    s.tasks,
		Scheduler: s.scheduler,
		Users:     users,
		Database:  dbDep,
		Cache:     redDep,
		Metrics:   metrics,
	}
	server, err := api.NewServer(cfg, deps)
	if err != nil {
		s.Shutdown()
		return nil, err
	}
	s.server = server
	return s, nil
}

func migrate(ctx context.Context, db *database.DB) error {
	migrator, err := database.NewMigrator(ctx, db)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err == nil {
		logger.Info("Database migrated", "version", version, "dirty", dirty)
	}
	return nil
}

// Start runs the scheduler, the config watcher and the HTTP server
func (s *Service) Start(watchInterval time.Duration) error {
	if s.config.Scheduler.Enabled {
		s.scheduler.Start()
	}

	if watchInterval > 0 {
		watcher := config.NewWatcher(s.configPath, watchInterval)
		watcher.AddCallback(s.applyConfig)
		go watcher.Start(s.ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Start()
	}()

	// 端口冲突等启动错误尽快暴露
	select {
	case err := <-errCh:
		return err
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

// applyConfig pushes reloaded sweep limits into the running manager. Other
// sections need a restart.
func (s *Service) applyConfig(cfg *config.Config) error {
	limits := cfg.Sensitivity
	config.SetSensitivity(limits)
	s.tasks.SetLimits(limits.MaxCombinations, limits.MaxConsecutiveFailures, limits.Workers)
	logger.Info("Sensitivity limits reloaded",
		"max_combinations", limits.MaxCombinations,
		"max_consecutive_failures", limits.MaxConsecutiveFailures,
		"workers", limits.Workers,
	)
	return nil
}

// Shutdown stops accepting requests, then cancels running sweeps and closes
// the backends
func (s *Service) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			logger.Error("Failed to stop API server", "error", err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			logger.Error("Failed to stop scheduler", "error", err)
		}
	}
	if s.tasks != nil {
		if err := s.tasks.Shutdown(ctx); err != nil {
			logger.Error("Failed to stop task manager", "error", err)
		}
	}
	s.cancel()

	if s.bus != nil {
		s.bus.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.clickhouse != nil {
		s.clickhouse.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	logger.Info("MiniQuant stopped")
}
