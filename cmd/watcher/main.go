package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "watcher",
		Short:        "Contract event watcher with reorg-aware notifications",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the node and stream matching events",
		RunE:  runWatch,
	}

	watchCmd.Flags().String("rpc", "", "node RPC URL")
	watchCmd.Flags().String("address", "", "contract address of an ad-hoc subscription")
	watchCmd.Flags().StringSlice("topic", nil, "topic patterns by position: hash, a|b, or *")
	watchCmd.Flags().String("abi", "", "interface used to decode the ad-hoc subscription")
	watchCmd.Flags().StringSlice("abi-files", nil, "extra ABI files (comma-separated name=path)")
	watchCmd.Flags().Duration("poll-interval", 4*time.Second, "head poll interval")
	watchCmd.Flags().Int("depth", 64, "blocks kept for reorg resolution")
	watchCmd.Flags().Duration("rpc-timeout", 10*time.Second, "timeout of a single RPC call")
	watchCmd.Flags().Float64("requests-per-second", 0, "RPC rate limit, 0 disables")
	watchCmd.Flags().Int("burst", 1, "RPC rate limit burst")
	watchCmd.Flags().String("out", "./data/notifications.jsonl", "output JSONL path, - for stdout")
	watchCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	watchCmd.Flags().String("metrics-addr", "", "Prometheus listen address, empty disables")
	watchCmd.Flags().Bool("resubscribe", true, "resubscribe after a failed poll")
	watchCmd.Flags().Int("max-resubscribes", 10, "consecutive resubscribe attempts before giving up")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(watchCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan a historical block range through the configured filters",
		RunE:  runBackfill,
	}

	backfillCmd.Flags().String("rpc", "", "node RPC URL")
	backfillCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	backfillCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest minus confirmations")
	backfillCmd.Flags().Uint64("confirmations", 64, "blocks behind latest left to the live watcher")
	backfillCmd.Flags().String("address", "", "contract address of an ad-hoc subscription")
	backfillCmd.Flags().StringSlice("topic", nil, "topic patterns by position: hash, a|b, or *")
	backfillCmd.Flags().String("abi", "", "interface used to decode the ad-hoc subscription")
	backfillCmd.Flags().StringSlice("abi-files", nil, "extra ABI files (comma-separated name=path)")
	backfillCmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	backfillCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	backfillCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	backfillCmd.Flags().Duration("rpc-timeout", 30*time.Second, "timeout of a single RPC call")
	backfillCmd.Flags().Bool("timestamps", true, "fetch block timestamps for matched logs")
	backfillCmd.Flags().String("out", "./data/backfill.jsonl", "output JSONL path, - for stdout")
	backfillCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	backfillCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(backfillCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode raw log JSONL offline",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("in", "", "input raw logs JSONL")
	decodeCmd.Flags().String("out", "./data/decoded_events.jsonl", "output decoded events JSONL")
	decodeCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	decodeCmd.Flags().String("abi", "", "decode only with this interface")
	decodeCmd.Flags().StringSlice("abi-files", nil, "extra ABI files (comma-separated name=path)")
	decodeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(decodeCmd)

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the poll engine against an in-memory chain with a scripted reorg",
		RunE:  runSimulate,
	}

	simulateCmd.Flags().Int("blocks", 5, "blocks mined before the reorg")
	simulateCmd.Flags().Int("reorg-depth", 2, "blocks replaced by the reorg")
	simulateCmd.Flags().Int("depth", 64, "blocks kept for reorg resolution")
	simulateCmd.Flags().String("out", "-", "output JSONL path, - for stdout")
	simulateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(simulateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
