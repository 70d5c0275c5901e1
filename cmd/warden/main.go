package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/audit"
	"github.com/xela07ax/agent-warden/internal/console/handler"
	"github.com/xela07ax/agent-warden/internal/console/server"
	"github.com/xela07ax/agent-warden/internal/console/service"
	"github.com/xela07ax/agent-warden/internal/coordinator"
	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/emergency"
	"github.com/xela07ax/agent-warden/internal/infra"
	"github.com/xela07ax/agent-warden/internal/infra/auth"
	"github.com/xela07ax/agent-warden/internal/lockmgr"
	"github.com/xela07ax/agent-warden/internal/lockstore"
	"github.com/xela07ax/agent-warden/internal/metrics"
	"github.com/xela07ax/agent-warden/internal/monitor"
	"github.com/xela07ax/agent-warden/internal/repository/postgres"
	"github.com/xela07ax/agent-warden/internal/sandbox"
	"github.com/xela07ax/agent-warden/internal/taskgraph"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин: SIGTERM гасит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Redis (Lock Store redis-бэкенд, фид событий, карантин)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Fatal("redis ping failed", zap.Error(err))
		}
	}

	// Метрики
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 3. Lock Store: файловый каталог либо Redis
	var store lockstore.Store
	switch cfg.Coordinator.LockBackend {
	case "redis":
		if rdb == nil {
			logger.Fatal("lock_backend=redis requires redis.addr")
		}
		store = lockstore.NewRedisStore(rdb)
	case "file":
		fs, err := lockstore.NewFileStore(cfg.Coordinator.LockDir)
		if err != nil {
			logger.Fatal("failed to init file lock store", zap.Error(err))
		}
		store = fs
	default:
		logger.Fatal("unknown lock backend", zap.String("backend", cfg.Coordinator.LockBackend))
	}
	locks := lockmgr.New(store, logger, m)

	// 4. Журнал нарушений: Postgres, без него — append-only файл
	var violationLog interface {
		monitor.ViolationLog
		Read(ctx context.Context) ([]domain.Violation, error)
	}
	if cfg.Database.URL != "" {
		repo, err := postgres.NewViolationRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to init violation repo", zap.Error(err))
		}
		if err := repo.Ping(appCtx); err != nil {
			logger.Fatal("postgres ping failed", zap.Error(err))
		}
		violationLog = repo
	} else {
		fl, err := monitor.NewFileLog(cfg.Monitor.ViolationLogPath)
		if err != nil {
			logger.Fatal("failed to init violation file log", zap.Error(err))
		}
		violationLog = fl
	}

	// 5. Монитор нарушений + асинхронный архив сырых событий (не safety-path)
	policy, err := monitor.FromConfig(cfg.Monitor.Policy)
	if err != nil {
		logger.Fatal("invalid isolation policy", zap.Error(err))
	}
	mon := monitor.New(policy, violationLog, logger, m)

	var archive *audit.EventArchive
	if cfg.Database.URL != "" {
		eventRepo, err := postgres.NewEventRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to init event repo", zap.Error(err))
		}
		archive = audit.NewEventArchive(eventRepo, logger, 200, 2*time.Second)
		archive.Start()
		defer archive.Stop()
		mon.WithArchive(archive)
	}

	// 6. Граф задач: цикл или битая ссылка — фатально, ран не стартует
	graph, err := taskgraph.Load(cfg.Coordinator.TasksFile)
	if err != nil {
		logger.Fatal("failed to load task graph", zap.Error(err))
	}

	// 7. Рантайм песочниц за reliability-оберткой; координатор
	var coord *coordinator.Coordinator
	mock := sandbox.NewMockRuntime(func(handle, taskID string, taskErr error) {
		coord.OnAgentResult(handle, taskID, taskErr)
	})
	runtime := sandbox.NewReliabilityWrapper(mock)

	coord, err = coordinator.New(graph, locks, runtime, cfg.Coordinator.Agents,
		coordinator.Config{
			TickInterval: cfg.Coordinator.TickInterval,
			LockTTL:      cfg.Coordinator.LockTTL,
		}, logger, m)
	if err != nil {
		logger.Fatal("failed to build coordinator", zap.Error(err))
	}

	// 8. Emergency Controller: подписка на монитор + прогрев карантина из Redis
	safety := emergency.New(coord, locks, cfg.Emergency.ViolationWindow, rdb, logger, m)
	if err := safety.Init(appCtx); err != nil {
		logger.Fatal("failed to warm up emergency controller", zap.Error(err))
	}
	mon.Subscribe(safety.OnViolation)

	// 9. Фид поведения агентов: нарушения в монитор, heartbeat — в координатор
	if rdb != nil {
		feed := sandbox.NewEventFeed(rdb, logger)
		go feed.Listen(appCtx, func(ctx context.Context, ev domain.BehaviorEvent) {
			if ev.Kind == domain.EventHeartbeat {
				coord.Heartbeat(ctx, ev.AgentID)
				return
			}
			if err := mon.HandleEvent(ctx, ev); err != nil {
				logger.Error("behavior event handling failed", zap.Error(err))
			}
		})
	}

	// 10. Консоль оператора
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse private key", zap.Error(err))
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse public key", zap.Error(err))
	}
	authSvc := service.NewAuthService(
		cfg.Auth.OperatorUser, cfg.Auth.OperatorHash, cfg.Auth.TokenTTL,
		privateKey, publicKey)

	console := server.NewConsoleServer(
		logger,
		authSvc,
		handler.NewAuthHandler(authSvc),
		handler.NewLockHandler(locks, logger),
		handler.NewRunHandler(coord, safety, logger),
		handler.NewViolationHandler(violationLog, logger),
		handler.NewEmergencyHandler(safety, logger),
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("console api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("console api failed", zap.Error(err))
		}
	}()

	// 11. Ран: reconciliation-цикл до завершения графа или сигнала
	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(appCtx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("run finished with error", zap.Error(err))
		}
	}

	// Итоговый отчет рана: статусы, reclaim-события, эскалации
	report := coord.Report()
	report.Emergency = safety.State().String()
	report.Quarantined = safety.QuarantinedAgents()
	report.Violations = safety.Causes()
	logger.Info("run report",
		zap.String("emergency_state", report.Emergency),
		zap.Strings("quarantined_agents", report.Quarantined),
		zap.Int("lock_reclaims", len(report.Reclaims)),
		zap.Any("tasks", report.Tasks),
		zap.Any("agents", report.Agents),
	)

	// Даем консоли 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("warden exited properly")
}
