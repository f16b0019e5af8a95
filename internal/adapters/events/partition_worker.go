package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
	"golang.org/x/sync/errgroup"
)

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds how long one unit is retried; zero retries forever.
	MaxElapsed time.Duration
}

// PartitionWorker runs one sequential consumption loop per log partition.
// The handler owns checkpointing; the worker only reads the resume offset.
type PartitionWorker struct {
	logger       *slog.Logger
	logName      string
	log          ports.LogReader
	checkpoints  ports.CheckpointStore
	handler      ports.MessageHandler
	retry        RetryPolicy
	drainTimeout time.Duration
}

func NewPartitionWorker(logger *slog.Logger, logName string, log ports.LogReader, checkpoints ports.CheckpointStore, handler ports.MessageHandler, retry RetryPolicy, drainTimeout time.Duration) *PartitionWorker {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 200 * time.Millisecond
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = 10 * time.Second
	}
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &PartitionWorker{
		logger:       logger,
		logName:      logName,
		log:          log,
		checkpoints:  checkpoints,
		handler:      handler,
		retry:        retry,
		drainTimeout: drainTimeout,
	}
}

// Run blocks until ctx is cancelled or a partition loop fails for good.
func (w *PartitionWorker) Run(ctx context.Context) error {
	partitions, err := retryValue(ctx, w, -1, "list_partitions", func() ([]int, error) {
		return w.log.Partitions(ctx)
	})
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		g.Go(func() error {
			return w.runPartition(gctx, partition)
		})
	}
	return g.Wait()
}

func (w *PartitionWorker) runPartition(ctx context.Context, partition int) error {
	cp, err := retryValue(ctx, w, partition, "load_checkpoint", func() (int64, error) {
		cp, err := w.checkpoints.Checkpoint(ctx, w.logName, partition)
		return cp.Offset, err
	})
	if err != nil {
		return err
	}
	reader, err := retryValue(ctx, w, partition, "open_partition", func() (ports.PartitionReader, error) {
		return w.log.Open(ctx, partition, cp)
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	w.logger.InfoContext(ctx, "partition consumer started",
		"module", "events.partition_worker",
		"layer", "adapter",
		"operation", "run_partition",
		"log", w.logName,
		"partition", partition,
		"offset", cp,
	)
	for {
		msg, err := retryValue(ctx, w, partition, "read", func() (ports.LogMessage, error) {
			msg, err := reader.Read(ctx)
			if err != nil && (ctx.Err() != nil || errors.Is(err, ErrLogClosed)) {
				return msg, backoff.Permanent(err)
			}
			return msg, err
		})
		if err != nil {
			return err
		}
		if err := w.process(ctx, msg); err != nil {
			w.logger.ErrorContext(ctx, "partition consumer stopped",
				"module", "events.partition_worker",
				"layer", "adapter",
				"operation", "handle_message",
				"outcome", "failure",
				"log", w.logName,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			return err
		}
	}
}

// process runs one unit on a context that survives shutdown, so an in-flight
// unit is finished rather than abandoned halfway. Retries stop on shutdown.
func (w *PartitionWorker) process(ctx context.Context, msg ports.LogMessage) error {
	_, err := retryValue(ctx, w, msg.Partition, "handle_message", func() (struct{}, error) {
		unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.drainTimeout)
		defer cancel()
		return struct{}{}, w.handler.HandleMessage(unitCtx, msg)
	})
	return err
}

func retryValue[T any](ctx context.Context, w *PartitionWorker, partition int, operation string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retry.InitialInterval
	b.MaxInterval = w.retry.MaxInterval
	return backoff.Retry(ctx, fn,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(w.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.WarnContext(ctx, "transient failure, retrying",
				"module", "events.partition_worker",
				"layer", "adapter",
				"operation", operation,
				"outcome", "retry",
				"log", w.logName,
				"partition", partition,
				"retry_in", next.String(),
				"error", err,
			)
		}),
	)
}
