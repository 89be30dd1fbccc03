package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventScope/internal/backfill"
	"eventScope/internal/chain"
	"eventScope/internal/config"
	"eventScope/internal/metrics"
	"eventScope/internal/model"
	"eventScope/internal/storage"
	"eventScope/internal/storage/postgres"
	"eventScope/internal/subscription"
)

const (
	sinkBatchSize = 256
	stableAfter   = time.Minute
)

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if len(cfg.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}

	decoders, err := loadDecoders(cfg.ABIFiles)
	if err != nil {
		return err
	}
	subs, err := resolveSubscriptions(cfg.Subscriptions, decoders)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.Options{
		Timeout:           cfg.RPCTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}

	sink, closeSink, err := openSinks(ctx, cfg.Out, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeSink()

	manager := subscription.New(chainClient, subscription.Config{
		Interval: cfg.PollInterval,
		Depth:    cfg.Depth,
		Decoders: decoders,
		Logger:   logger,
	})

	w := &watcher{
		manager: manager,
		subs:    subs,
		chainID: chainID.Uint64(),
		records: make(chan model.LogRecord, sinkBatchSize),
		stopped: make(chan struct{}),
		failed:  make(chan error, 1),
		logger:  logger,
	}

	logger.Info("watch start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", w.chainID),
		zap.Int("subscriptions", len(subs)),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("depth", cfg.Depth),
		zap.String("out", cfg.Out),
		zap.Bool("postgres", cfg.PGDSN != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}
	g.Go(func() error {
		return w.drain(gctx, sink)
	})
	g.Go(func() error {
		return w.supervise(gctx, cfg.Resubscribe, cfg.MaxResubscribes)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// watcher connects the engine's callbacks to the sinks and resubscribes after
// a failed tick.
type watcher struct {
	manager *subscription.Manager
	subs    []backfill.Subscription
	chainID uint64
	records chan model.LogRecord
	// stopped is closed when drain returns so callbacks never block on a
	// dead sink.
	stopped   chan struct{}
	failed    chan error
	delivered atomic.Bool
	// retryDelay overrides the first resubscribe delay.
	retryDelay time.Duration
	logger     *zap.Logger
}

func (w *watcher) subscribeAll() error {
	for _, sub := range w.subs {
		name := sub.Name
		token, err := w.manager.Subscribe(sub.Filter, sub.Interface, func(err error, n *subscription.Notification) {
			w.notify(name, err, n)
		})
		if err != nil {
			w.manager.UnsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		w.logger.Info("subscribed", zap.String("name", name), zap.String("token", token), zap.Stringer("filter", sub.Filter))
	}
	return nil
}

func (w *watcher) notify(name string, err error, n *subscription.Notification) {
	if err != nil {
		select {
		case w.failed <- err:
		default:
		}
		return
	}

	w.delivered.Store(true)
	lr := model.NewLogRecord(w.chainID, n.Log, n.Decoded, 0, time.Now())
	lr.Subscriber = name
	select {
	case w.records <- lr:
	case <-w.stopped:
	}
}

// supervise keeps the subscriptions alive until ctx is done. Every
// subscription receives the same failure; one resubscribe covers them all.
func (w *watcher) supervise(ctx context.Context, resubscribe bool, maxAttempts int) error {
	defer close(w.records)
	defer w.manager.Close()

	if err := w.subscribeAll(); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if w.retryDelay > 0 {
		policy.InitialInterval = w.retryDelay
		policy.Reset()
	}
	attempts := 0
	lastResubscribe := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.failed:
			if !resubscribe {
				return fmt.Errorf("poll failed: %w", err)
			}
			// a subscription that delivered or survived a while counts as recovered
			if w.delivered.Swap(false) || time.Since(lastResubscribe) > stableAfter {
				policy.Reset()
				attempts = 0
			}
			attempts++
			if maxAttempts > 0 && attempts > maxAttempts {
				return fmt.Errorf("poll failed after %d resubscribes: %w", maxAttempts, err)
			}

			delay := policy.NextBackOff()
			w.logger.Warn("poll failed, resubscribing",
				zap.Error(err),
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			select {
			case <-w.failed:
			default:
			}
			if w.manager.Len() == 0 {
				if err := w.subscribeAll(); err != nil {
					return err
				}
			}
			lastResubscribe = time.Now()
		}
	}
}

// drain batches records into the sink. It returns once records is closed.
func (w *watcher) drain(ctx context.Context, sink storage.Storage) error {
	defer close(w.stopped)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	batch := make([]model.LogRecord, 0, sinkBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// the run context may already be cancelled on shutdown
		if err := sink.PutLogBatch(context.WithoutCancel(ctx), batch); err != nil {
			return fmt.Errorf("store notifications: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case lr, ok := <-w.records:
			if !ok {
				return flush()
			}
			batch = append(batch, lr)
			if len(batch) >= sinkBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// openSinks returns the JSONL sink, joined with Postgres when dsn is set.
func openSinks(ctx context.Context, out, dsn string) (storage.Storage, func(), error) {
	if out == "" {
		return nil, nil, fmt.Errorf("output path is required")
	}
	sinks := storage.Multi{storage.NewJsonlStorage(out)}
	if dsn == "" {
		return sinks, func() {}, nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return append(sinks, store), store.Close, nil
}
