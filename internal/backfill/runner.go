// Package backfill scans a historical block range with eth_getLogs and runs
// the same matching and decoding as the live watcher.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"eventScope/internal/decoder"
	"eventScope/internal/filter"
	"eventScope/internal/model"
	"eventScope/internal/storage"
)

// Source is the subset of chain.Client a backfill needs.
type Source interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Subscription is a named filter with an optional decoding interface.
type Subscription struct {
	Name      string
	Filter    filter.Spec
	Interface *decoder.Interface
}

// RunConfig holds runtime settings for a backfill.
type RunConfig struct {
	FromBlock uint64
	ToBlock   uint64
	// Confirmations is subtracted from the latest block when ToBlock is zero.
	Confirmations uint64
	BatchSize     uint64
	MaxRetries    int
	RetryBackoff  time.Duration
	Subscriptions []Subscription
	// Decoders is used for subscriptions without an interface.
	Decoders   *decoder.Registry
	Timestamps bool
}

// Runner streams logs from the chain and writes matches to storage.
type Runner struct {
	cfg     RunConfig
	source  Source
	storage storage.Storage
	logger  *zap.Logger
	seen    map[string]struct{}
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, source Source, sink storage.Storage, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		source:  source,
		storage: sink,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Run executes the backfill loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("chain client is nil")
	}
	if r.storage == nil {
		return fmt.Errorf("storage is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if len(r.cfg.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}

	specs := make([]filter.Spec, 0, len(r.cfg.Subscriptions))
	for _, sub := range r.cfg.Subscriptions {
		specs = append(specs, sub.Filter)
	}
	addresses := filter.QueryAddresses(specs)
	topics := filter.QueryTopics(specs)

	chainID, err := r.source.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}
	chainIDValue := chainID.Uint64()

	var latest uint64
	if r.cfg.ToBlock == 0 {
		if latest, err = r.source.LatestBlockNumber(ctx); err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
	}
	span, err := ResolveRange(r.cfg.FromBlock, r.cfg.ToBlock, latest, r.cfg.Confirmations)
	if errors.Is(err, errEmptyRange) {
		r.logger.Info("nothing to sync",
			zap.Uint64("from", r.cfg.FromBlock),
			zap.Uint64("latest", latest),
			zap.Uint64("confirmations", r.cfg.Confirmations),
		)
		return nil
	}
	if err != nil {
		return err
	}

	ranges, err := span.Batches(r.cfg.BatchSize)
	if err != nil {
		return err
	}
	r.logger.Info("backfill range", zap.Stringer("range", span), zap.Int("batches", len(ranges)))

	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		var logs []types.Log
		err := r.retry(ctx, func() error {
			var err error
			logs, err = r.source.FilterLogs(ctx, blockRange.From, blockRange.To, addresses, topics)
			if err != nil {
				r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		ingestedAt := time.Now().UTC()
		records := make([]model.LogRecord, 0, len(logs))
		for _, lg := range logs {
			if r.isDuplicate(lg) {
				continue
			}
			rec := model.EventRecordFromLog(lg)

			var ts uint64
			for _, sub := range r.cfg.Subscriptions {
				if !filter.Matches(rec, sub.Filter) {
					continue
				}
				if r.cfg.Timestamps && ts == 0 {
					if ts, err = r.blockTimestamp(ctx, rec.BlockNumber); err != nil {
						return fmt.Errorf("block timestamp %d: %w", rec.BlockNumber, err)
					}
				}
				lr := model.NewLogRecord(chainIDValue, rec, r.decode(sub, rec), ts, ingestedAt)
				lr.Subscriber = sub.Name
				records = append(records, lr)
			}
		}

		if err := r.storage.PutLogBatch(ctx, records); err != nil {
			return fmt.Errorf("store logs: %w", err)
		}

		r.logger.Info("batch complete", zap.Int("logs", len(records)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return nil
}

func (r *Runner) decode(sub Subscription, rec model.EventRecord) *model.DecodedEvent {
	var (
		decoded *model.DecodedEvent
		err     error
	)
	switch {
	case sub.Interface != nil:
		decoded, err = sub.Interface.Decode(rec)
	case r.cfg.Decoders != nil:
		decoded, err = r.cfg.Decoders.Decode(rec)
	default:
		return nil
	}
	if err != nil {
		r.logger.Warn("decode failed, storing raw record",
			zap.String("subscription", sub.Name),
			zap.Stringer("tx", rec.TxHash),
			zap.Uint("log_index", rec.LogIndex),
			zap.Error(err),
		)
		return nil
	}
	return decoded
}

func (r *Runner) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := r.retry(ctx, func() error {
		var err error
		ts, err = r.source.BlockTimestamp(ctx, number)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", number))
		}
		return err
	})
	return ts, err
}

func (r *Runner) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	if r.cfg.RetryBackoff > 0 {
		policy.InitialInterval = r.cfg.RetryBackoff
	}
	policy.MaxElapsedTime = 0

	retries := r.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
}

func (r *Runner) isDuplicate(lg types.Log) bool {
	id := fmt.Sprintf("%s:%d", lg.BlockHash.Hex(), lg.Index)
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	return false
}
