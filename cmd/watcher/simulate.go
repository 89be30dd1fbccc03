package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eventScope/internal/decoder"
	"eventScope/internal/filter"
	"eventScope/internal/ledger"
	"eventScope/internal/model"
	"eventScope/internal/storage"
	"eventScope/internal/subscription"
)

// simulation mines blocks carrying one ERC-20 transfer each on an in-memory
// ledger and replaces the last reorgDepth of them with a longer branch.
type simulation struct {
	blocks     int
	reorgDepth int
	depth      int
	token      common.Address
	sink       storage.Storage
	logger     *zap.Logger
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	blocks, _ := cmd.Flags().GetInt("blocks")
	reorgDepth, _ := cmd.Flags().GetInt("reorg-depth")
	depth, _ := cmd.Flags().GetInt("depth")
	out, _ := cmd.Flags().GetString("out")
	level, _ := cmd.Flags().GetString("log-level")

	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sim := &simulation{
		blocks:     blocks,
		reorgDepth: reorgDepth,
		depth:      depth,
		token:      common.HexToAddress("0x00000000000000000000000000000000000e2c20"),
		sink:       storage.NewJsonlStorage(out),
		logger:     logger,
	}
	return sim.run(cmd.Context())
}

func (s *simulation) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.blocks <= 0 {
		return fmt.Errorf("blocks must be positive")
	}
	if s.reorgDepth < 0 || s.reorgDepth > s.blocks {
		return fmt.Errorf("reorg depth must be between 0 and %d", s.blocks)
	}

	erc20, err := decoder.Builtin(decoder.ERC20)
	if err != nil {
		return err
	}
	transfer, _ := erc20.Topic0("Transfer")

	mem := ledger.NewMemory()
	manager := subscription.New(mem, subscription.Config{
		Interval: time.Hour,
		Depth:    s.depth,
		Logger:   s.logger,
	})
	defer manager.Close()

	var (
		pending []model.LogRecord
		failure error
	)
	spec := filter.Spec{
		Address: &s.token,
		Topics:  []filter.TopicPattern{filter.Exactly(transfer)},
	}
	if _, err := manager.Subscribe(spec, erc20, func(err error, n *subscription.Notification) {
		if err != nil {
			failure = err
			return
		}
		lr := model.NewLogRecord(0, n.Log, n.Decoded, 0, time.Now())
		lr.Subscriber = "simulate"
		pending = append(pending, lr)
	}); err != nil {
		return err
	}

	tick := func() error {
		if err := manager.Tick(ctx); err != nil {
			return err
		}
		if failure != nil {
			return failure
		}
		batch := pending
		pending = nil
		return s.sink.PutLogBatch(ctx, batch)
	}

	if err := tick(); err != nil {
		return err
	}

	chain := []model.Block{mem.Genesis()}
	for i := 1; i <= s.blocks; i++ {
		b := mem.Extend(chain[len(chain)-1], 0)
		mem.AddLogs(b, s.transferRecord(transfer, int64(i)))
		if err := mem.SetHead(b.Hash); err != nil {
			return err
		}
		chain = append(chain, b)
		if err := tick(); err != nil {
			return err
		}
	}

	if s.reorgDepth == 0 {
		return nil
	}

	fork := chain[len(chain)-1-s.reorgDepth]
	s.logger.Info("reorg",
		zap.Uint64("fork_point", fork.Number),
		zap.Int("replaced", s.reorgDepth),
	)
	for i := 0; i <= s.reorgDepth; i++ {
		fork = mem.Extend(fork, 1)
		mem.AddLogs(fork, s.transferRecord(transfer, int64(1_000+i)))
	}
	if err := mem.SetHead(fork.Hash); err != nil {
		return err
	}
	return tick()
}

func (s *simulation) transferRecord(topic0 common.Hash, amount int64) model.EventRecord {
	from := common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000a1").Bytes())
	to := common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000b2").Bytes())
	return model.EventRecord{
		Address: s.token,
		Topics:  []common.Hash{topic0, from, to},
		Data:    common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		TxHash:  common.BigToHash(big.NewInt(amount)),
	}
}
