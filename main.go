package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/classify-pipeline/internal/auth"
	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/classifier/onnx"
	"github.com/example/classify-pipeline/internal/config"
	"github.com/example/classify-pipeline/internal/display"
	"github.com/example/classify-pipeline/internal/grpcclient"
	"github.com/example/classify-pipeline/internal/handlers"
	"github.com/example/classify-pipeline/internal/imagesource"
	"github.com/example/classify-pipeline/internal/logging"
	"github.com/example/classify-pipeline/internal/pipeline"
	"github.com/example/classify-pipeline/internal/repository"
	"github.com/example/classify-pipeline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

// run serves until a shutdown signal or a server failure. Everything it
// acquires is released before it returns.
func run(cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	var results *usecase.ResultUseCase
	if cfg.DatabaseDSN != "" {
		results = initResults(startCtx, cfg, logger)
	} else {
		logger.Info("result persistence disabled")
	}

	factory, shutdownFactory := newFactory(cfg, logger)
	defer shutdownFactory()

	loop := display.NewLoop(logger)
	board := display.NewBoard()
	manager := classifier.NewManager(factory, display.Notifier{Loop: loop, Board: board}, logger)
	defer manager.Close()

	if err := manager.Reconfigure(startCtx, cfg.Classifier); err != nil {
		logger.Error("initial classifier unavailable", zap.Stringer("config", cfg.Classifier), zap.Error(err))
	}

	var (
		source pipeline.Source
		frames handlers.Frames
	)
	switch cfg.Source {
	case config.SourceFeed:
		feed := imagesource.NewFeed()
		defer feed.Close()
		source, frames = feed, feed
	default:
		dir, err := imagesource.OpenDir(cfg.ImageDir, cfg.Orientation, cfg.Loop)
		if err != nil {
			return err
		}
		logger.Info("classifying test images", zap.String("dir", cfg.ImageDir), zap.Int("images", dir.Len()))
		source = dir
	}

	var opts []pipeline.Option
	if results != nil {
		opts = append(opts, pipeline.WithRecorder(results))
	}
	p := pipeline.New(manager, source, board, loop, logger, opts...)

	runCtx, stopRun := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		stopRun()
		wg.Wait()
	}()
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		if err := p.Run(runCtx); err != nil {
			logger.Error("pipeline failed", zap.Error(err))
		}
	}()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	deps := handlers.Dependencies{
		Classifiers: manager,
		Board:       board,
		Stats:       p.Stats,
		Frames:      frames,
		Orientation: cfg.Orientation,
		Logger:      logger,
	}
	if results != nil {
		deps.Results = results
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience, logger)
	handlers.RegisterRoutes(r, deps, verifier.Middleware())

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("classification service listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend),
		zap.String("source", cfg.Source))
	return serveHTTPServer(server, 15*time.Second, logger)
}

func newFactory(cfg *config.Config, logger *zap.Logger) (classifier.Factory, func()) {
	switch cfg.Backend {
	case config.BackendGRPC:
		return &grpcclient.Factory{Addr: cfg.ClassifierAddr, Logger: logger}, func() {}
	case config.BackendStatic:
		return classifier.StaticFactory{}, func() {}
	default:
		f := &onnx.Factory{ModelDir: cfg.ModelDir, LibraryPath: cfg.ONNXLibrary, Logger: logger}
		return f, func() {
			if err := f.Shutdown(); err != nil {
				logger.Warn("failed to shut down onnx runtime", zap.Error(err))
			}
		}
	}
}

func initResults(ctx context.Context, cfg *config.Config, logger *zap.Logger) *usecase.ResultUseCase {
	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewResultRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	} else {
		logger.Info("result cache disabled")
	}
	return usecase.NewResultUseCase(repo, cache, logger)
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
