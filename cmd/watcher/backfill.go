package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eventScope/internal/backfill"
	"eventScope/internal/chain"
	"eventScope/internal/config"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadBackfill(cfgFile, cmd.Flags())
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

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.Options{Timeout: cfg.RPCTimeout})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	sink, closeSink, err := openSinks(ctx, cfg.Out, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeSink()

	runner := backfill.NewRunner(backfill.RunConfig{
		FromBlock:     cfg.FromBlock,
		ToBlock:       cfg.ToBlock,
		Confirmations: cfg.Confirmations,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		Subscriptions: subs,
		Decoders:      decoders,
		Timestamps:    cfg.Timestamps,
	}, chainClient, sink, logger)

	logger.Info("backfill start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("subscriptions", len(subs)),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("out", cfg.Out),
		zap.Bool("postgres", cfg.PGDSN != ""),
	)

	return runner.Run(ctx)
}
