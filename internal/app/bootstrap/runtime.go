package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/events"
	httpadapter "github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/http"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/memory"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/postgres"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/sqlite"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/application"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Runtime struct {
	cfg          Config
	logger       *slog.Logger
	registry     *domain.Registry
	store        ports.Store
	commandLog   ports.Log
	eventLog     ports.Log
	validator    *eventadapter.PartitionWorker
	materializer *eventadapter.PartitionWorker
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthSrv    *health.Server
	closers      []io.Closer
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	return newRuntime(ctx, cfg, logger)
}

func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	registry, err := domain.NewRegistry(cfg.ContentTypes)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	r := &Runtime{cfg: cfg, logger: logger, registry: registry}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.store = store
	r.closers = append(r.closers, store)

	if err := r.openLogs(cfg); err != nil {
		r.Close()
		return nil, err
	}

	var redisStream *cache.RedisStream
	if cfg.RedisURL != "" {
		client, redisErr := cache.Connect(ctx, cfg.RedisURL)
		if redisErr != nil {
			if cfg.RejectionSink == SinkRedis {
				r.Close()
				return nil, redisErr
			}
			logger.WarnContext(ctx, "redis unavailable, gap reports go to the log only", "error", redisErr)
		} else {
			r.closers = append(r.closers, client)
			redisStream = newRedisStream(client, cfg)
		}
	}

	rejections, err := r.rejectionSink(cfg, redisStream)
	if err != nil {
		r.Close()
		return nil, err
	}
	var gapNext ports.GapReporter
	if redisStream != nil {
		gapNext = redisStream
	}
	gaps := eventadapter.NewLoggingGapReporter(logger, gapNext)

	retry := eventadapter.RetryPolicy{
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		MaxElapsed:      cfg.RetryMaxElapsed,
	}
	validator := application.NewValidator(application.ValidatorDependencies{
		Logger:      logger,
		Registry:    registry,
		Reads:       store,
		Outcomes:    store,
		Checkpoints: store,
		Events:      r.eventLog,
		Rejections:  rejections,
		LogName:     application.CommandLogName,
	})
	materializer := application.NewMaterializer(application.MaterializerDependencies{
		Logger:    logger,
		Registry:  registry,
		Store:     store,
		Gaps:      gaps,
		LogName:   application.EventLogName,
		GapWindow: cfg.GapWindow,
		GapLag:    int64(cfg.GapLag),
	})
	r.validator = eventadapter.NewPartitionWorker(logger, application.CommandLogName, r.commandLog, store, validator, retry, cfg.ShutdownTimeout)
	r.materializer = eventadapter.NewPartitionWorker(logger, application.EventLogName, r.eventLog, store, materializer, retry, cfg.ShutdownTimeout)

	handler := httpadapter.NewHandler(httpadapter.HandlerDependencies{
		Logger:   logger,
		Registry: registry,
		Commands: application.NewCommandService(registry, r.commandLog),
		Queries:  application.NewQueryService(registry, store),
		Faults:   store,
		Ready:    r.ready,
	})
	r.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler, httpadapter.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.grpcServer = grpc.NewServer()
	r.healthSrv = health.NewServer()
	healthpb.RegisterHealthServer(r.grpcServer, r.healthSrv)
	return r, nil
}

func openStore(ctx context.Context, cfg Config) (ports.Store, error) {
	switch cfg.StoreDriver {
	case StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return sqlite.Open(ctx, cfg.SQLitePath)
	case StorePostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	default:
		return memory.NewStore(), nil
	}
}

func (r *Runtime) openLogs(cfg Config) error {
	if cfg.LogDriver != LogKafka {
		commands := eventadapter.NewMemoryLog(cfg.MemoryPartitions)
		events := eventadapter.NewMemoryLog(cfg.MemoryPartitions)
		r.commandLog, r.eventLog = commands, events
		r.closers = append(r.closers, commands, events)
		return nil
	}
	commands, err := eventadapter.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopicCommands, cfg.KafkaMaxWait)
	if err != nil {
		return fmt.Errorf("command log: %w", err)
	}
	r.closers = append(r.closers, commands)
	events, err := eventadapter.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopicEvents, cfg.KafkaMaxWait)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	r.closers = append(r.closers, events)
	r.commandLog, r.eventLog = commands, events
	return nil
}

func newRedisStream(client *redis.Client, cfg Config) *cache.RedisStream {
	return cache.NewRedisStream(client, cfg.RejectionStream, cfg.GapStream, cfg.RedisStreamMax)
}

func (r *Runtime) rejectionSink(cfg Config, redisStream *cache.RedisStream) (ports.RejectionSink, error) {
	switch cfg.RejectionSink {
	case SinkKafka:
		log, err := eventadapter.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopicRejections, cfg.KafkaMaxWait)
		if err != nil {
			return nil, fmt.Errorf("rejection log: %w", err)
		}
		r.closers = append(r.closers, log)
		return eventadapter.NewLogRejectionSink(log), nil
	case SinkRedis:
		if redisStream == nil {
			return nil, fmt.Errorf("redis rejection sink configured without redis")
		}
		return redisStream, nil
	default:
		return eventadapter.NewLoggingRejectionSink(r.logger), nil
	}
}

func (r *Runtime) ready(ctx context.Context) error {
	pinger, ok := r.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

// RunAPI serves HTTP and the gRPC health service until a signal arrives.
func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()
	if r.cfg.LogDriver == LogMemory {
		r.logger.WarnContext(ctx, "memory log driver: commands are only processed by the pipeline command")
	}
	return r.serve(ctx, r.runAPI)
}

func (r *Runtime) RunValidator(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()
	return r.serve(ctx, r.runWorker("validator", r.validator))
}

func (r *Runtime) RunMaterializer(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()
	return r.serve(ctx, r.runWorker("materializer", r.materializer))
}

// RunAll runs the API, the validator and the materializer in one process.
func (r *Runtime) RunAll(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()
	return r.serve(ctx,
		r.runAPI,
		r.runWorker("validator", r.validator),
		r.runWorker("materializer", r.materializer),
	)
}

func (r *Runtime) serve(ctx context.Context, units ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, unit := range units {
		g.Go(func() error { return unit(gctx) })
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.ErrorContext(ctx, "runtime failure",
			"module", "bootstrap",
			"layer", "runtime",
			"operation", "serve",
			"outcome", "failure",
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Runtime) runWorker(name string, worker *eventadapter.PartitionWorker) func(context.Context) error {
	return func(ctx context.Context) error {
		r.logger.InfoContext(ctx, "worker started",
			"module", "bootstrap",
			"layer", "runtime",
			"operation", "run_"+name,
			"outcome", "started",
		)
		err := worker.Run(ctx)
		if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func (r *Runtime) runAPI(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	r.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	errCh := make(chan error, 2)
	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := r.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	r.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	return runErr
}

// Close releases logs, stores and clients in reverse open order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			r.logger.Warn("close failed",
				"module", "bootstrap",
				"layer", "runtime",
				"operation", "close",
				"outcome", "failure",
				"error", err,
			)
		}
	}
	r.closers = nil
}
