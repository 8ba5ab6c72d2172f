package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sandboxd/internal/common/cache"
	"sandboxd/internal/common/db"
	"sandboxd/internal/common/mq"
	"sandboxd/internal/common/storage"
	"sandboxd/internal/controller"
	"sandboxd/internal/sandbox"
	"sandboxd/internal/sandbox/archive"
	"sandboxd/internal/sandbox/binding"
	"sandboxd/internal/sandbox/observer"
	"sandboxd/internal/steps"
	"sandboxd/internal/worker"
	"sandboxd/internal/worker/repository"
	"sandboxd/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/sandboxd.yaml"
	configEnv         = "SANDBOXD_CONFIG"
)

func main() {
	envPath := flag.String("env", ".env", "Path to a dotenv file loaded before the config")
	configPath := flag.String("config", "", "Path to config file (default $"+configEnv+" or "+defaultConfigPath+")")
	runPath := flag.String("run", "", "Run one execution document and exit instead of serving")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
		os.Exit(1)
	}
	path := *configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		path = defaultConfigPath
	}

	appCfg, err := loadAppConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if *runPath != "" {
		code := runOnce(appCfg, *runPath)
		_ = logger.Sync()
		os.Exit(code)
	}
	if err := serve(appCfg); err != nil {
		logger.Error(context.Background(), "sandboxd stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// components are the long-lived dependencies shared by both modes.
type components struct {
	backend  sandbox.Backend
	services *worker.Services
	metrics  observer.MetricsRecorder
	registry *prometheus.Registry
	history  *repository.HistoryRepository
	closers  []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildComponents(ctx context.Context, cfg *AppConfig) (*components, error) {
	c := &components{metrics: observer.Nop{}}
	if cfg.Metrics.Enabled {
		c.registry = prometheus.NewRegistry()
		c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		c.metrics = observer.NewPrometheus(c.registry, cfg.Metrics.Namespace, cfg.NodeID)
	}

	backend, err := sandbox.New(cfg.Engine.Options, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("init sandbox backend failed: %w", err)
	}
	if err := backend.SetTimeoutMultiplier(cfg.Engine.TimeoutMultiplier); err != nil {
		return nil, err
	}
	c.backend = backend

	c.services = &worker.Services{
		Backend:     backend,
		Resolver:    binding.NewResolver(cfg.Engine.MountRoot, cfg.Engine.ScratchDir),
		LocalUserID: *cfg.Engine.LocalUserID,
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(cfg.Kafka.toMQConfig())
		if err != nil {
			c.close()
			return nil, fmt.Errorf("init kafka failed: %w", err)
		}
		c.closers = append(c.closers, func() { _ = producer.Close() })
		c.services.Publisher = repository.NewMQStepPublisher(producer, cfg.Kafka.Topic, cfg.NodeID)
	}

	if cfg.MinIO.Endpoint != "" {
		objects, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		store, err := archive.New(objects, cfg.MinIO.Bucket, cfg.Archive.Prefix)
		if err != nil {
			c.close()
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Warn(ctx, "archive bucket check failed", zap.Error(err))
		}
		c.closers = append(c.closers, store.Close)
		c.services.Archiver = store
	}

	if cfg.History.DSN != "" {
		database, err := db.Open(cfg.History.Config)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("init history database failed: %w", err)
		}
		c.closers = append(c.closers, func() { _ = database.Close() })
		history := repository.NewHistoryRepository(database, cfg.NodeID)
		if err := history.EnsureSchema(ctx); err != nil {
			c.close()
			return nil, err
		}
		c.history = history
		c.services.History = history
	}
	return c, nil
}

// runOnce executes one document on a blocking worker and prints the outcomes as JSON.
func runOnce(cfg *AppConfig, docPath string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(docPath)
	if err != nil {
		logger.Error(ctx, "read execution document failed", zap.Error(err))
		return 1
	}
	doc, err := steps.ParseDocument(data)
	if err != nil {
		logger.Error(ctx, "parse execution document failed", zap.Error(err))
		return 1
	}
	exec, err := doc.Execution(cfg.Engine.MountRoot, filepath.Dir(docPath))
	if err != nil {
		logger.Error(ctx, "invalid execution document", zap.Error(err))
		return 1
	}

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "init failed", zap.Error(err))
		return 1
	}
	defer comps.close()
	defer stopBackend(comps.backend)

	w := worker.NewBlockingWorker(comps.services, cfg.Worker.RetryPause)
	go func() {
		<-ctx.Done()
		_ = w.Stop(context.Background())
	}()

	var outcomes []steps.StepOutcome
	var runErr error
	job := steps.NewStepsJob(exec, "execution "+exec.ID, steps.WithOutcomes(func(o []steps.StepOutcome, err error) {
		outcomes, runErr = o, err
	}))
	if err := w.Schedule(job); err != nil {
		logger.Error(ctx, "execution aborted", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(outcomes)
	if runErr != nil {
		logger.Error(ctx, "execution failed", zap.Error(runErr))
		return 1
	}
	if len(outcomes) != len(exec.Steps) || !outcomes[len(outcomes)-1].Result.Status.Succeeded() {
		return 2
	}
	return 0
}

func serve(cfg *AppConfig) error {
	ctx := context.Background()
	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	w, err := worker.NewPoolWorker(comps.services, cfg.Worker.Threads,
		worker.WithRetryPause(cfg.Worker.RetryPause),
		worker.WithMetrics(comps.metrics))
	if err != nil {
		stopBackend(comps.backend)
		return err
	}

	mirrorCtx, stopMirror := context.WithCancel(ctx)
	defer stopMirror()
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis.RedisConfig)
		if err != nil {
			stopBackend(comps.backend)
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		mirror := repository.NewQueueMirror(redisCache, w, cfg.NodeID, cfg.Redis.MirrorTTL)
		go mirror.Run(mirrorCtx, cfg.Redis.MirrorInterval)
	}
	if comps.history != nil && cfg.History.Retention > 0 {
		go comps.history.RunPruner(mirrorCtx, cfg.History.Retention, cfg.History.PruneInterval)
	}

	httpServer := buildHTTPServer(cfg, w, comps)
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		stopBackend(comps.backend)
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "sandboxd http server started",
			zap.String("addr", cfg.Server.Addr),
			zap.String("node", cfg.NodeID),
			zap.String("backend", cfg.Engine.Kind),
			zap.Int("threads", cfg.Worker.Threads))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	stopEngine(timeoutCtx, w, comps.backend)
	stopMirror()
	return serveErr
}

type stopper interface {
	Stop(ctx context.Context) error
}

// stopEngine drops queued jobs and cancels running ones before the backend goes away.
func stopEngine(ctx context.Context, w, backend stopper) {
	if err := w.Stop(ctx); err != nil {
		logger.Error(ctx, "worker stop failed", zap.Error(err))
	}
	stopBackend(backend)
}

func stopBackend(backend stopper) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := backend.Stop(ctx); err != nil {
		logger.Error(ctx, "backend stop failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg *AppConfig, w worker.Worker, comps *components) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	routerCfg := controller.RouterConfig{
		NodeID:     cfg.NodeID,
		Sandbox:    controller.NewSandboxController(w, comps.backend),
		Executions: controller.NewExecutionController(w, cfg.Engine.MountRoot, cfg.Engine.DocumentRoot),
		Queue:      controller.NewQueueStream(w, time.Second),
		Middleware: []gin.HandlerFunc{requestLogger()},
	}
	if comps.history != nil {
		routerCfg.History = controller.NewHistoryController(comps.history)
	}
	if comps.registry != nil {
		routerCfg.Metrics = promhttp.HandlerFor(comps.registry, promhttp.HandlerOpts{})
	}
	router := controller.NewRouter(routerCfg)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
