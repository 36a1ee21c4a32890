package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/vqa-verify/internal/auth"
	"github.com/example/vqa-verify/internal/config"
	"github.com/example/vqa-verify/internal/engines"
	"github.com/example/vqa-verify/internal/handlers"
	"github.com/example/vqa-verify/internal/logging"
	"github.com/example/vqa-verify/internal/repository"
	"github.com/example/vqa-verify/internal/telemetry"
	"github.com/example/vqa-verify/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	var repo usecase.BatchRepository = usecase.NewMemoryRepository()
	if cfg.Server.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.Server.DatabaseDSN, logger)
		batchRepo := repository.NewBatchRepository(db, logger)
		if err := batchRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = batchRepo
	} else {
		logger.Warn("no database configured, batch logs are kept in memory")
	}

	var cache usecase.Cache = usecase.NopCache{}
	if cfg.Server.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.Server.RedisAddr, logger))
	} else {
		logger.Warn("no redis configured, results are not cached")
	}

	registry, err := engines.Build(ctx, cfg.Server, logger)
	if err != nil {
		logger.Fatal("failed to initialise model backends", zap.Error(err))
	}
	defer registry.Close() //nolint:errcheck

	metrics := telemetry.NewManager()
	uc := usecase.NewVerificationUseCase(repo, cache, registry, logger,
		usecase.WithMetrics(metrics),
		usecase.WithDefaultModel(cfg.Server.DefaultModel),
		usecase.WithResultTTL(cfg.Server.ResultTTL),
	)

	r := gin.Default()
	r.Use(metrics.GinMiddleware())
	r.MaxMultipartMemory = 32 << 20

	var authMiddleware gin.HandlerFunc
	if cfg.Server.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.Server.JWTSecret, cfg.Server.JWTAudience)
	}

	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		UseConfidence:  cfg.Server.UseConfidence,
		Auth:           authMiddleware,
		Logger:         logger,
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("VQA scoring API listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
