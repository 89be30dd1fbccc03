package config

import (
	"time"

	"github.com/spf13/pflag"
)

// BackfillConfig holds configuration for the backfill command.
type BackfillConfig struct {
	RPCURL        string
	FromBlock     uint64
	ToBlock       uint64
	Confirmations uint64
	BatchSize     uint64
	MaxRetries    int
	RetryBackoff  time.Duration
	RPCTimeout    time.Duration
	Timestamps    bool
	Subscriptions []Subscription
	ABIFiles      map[string]string
	Out           string
	PGDSN         string
	LogLevel      string
}

// LoadBackfill merges config file, environment variables, and flags into BackfillConfig.
func LoadBackfill(cfgFile string, flags *pflag.FlagSet) (BackfillConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]any{
		"batch-size":    uint64(2000),
		"confirmations": uint64(64),
		"max-retries":   5,
		"retry-backoff": 500 * time.Millisecond,
		"rpc-timeout":   30 * time.Second,
		"timestamps":    true,
		"out":           "./data/backfill.jsonl",
		"log-level":     "info",
	})
	if err != nil {
		return BackfillConfig{}, err
	}

	subs, err := loadSubscriptions(v)
	if err != nil {
		return BackfillConfig{}, err
	}

	cfg := BackfillConfig{
		RPCURL:        v.GetString("rpc"),
		FromBlock:     v.GetUint64("from"),
		ToBlock:       v.GetUint64("to"),
		Confirmations: v.GetUint64("confirmations"),
		BatchSize:     v.GetUint64("batch-size"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		RPCTimeout:    v.GetDuration("rpc-timeout"),
		Timestamps:    v.GetBool("timestamps"),
		Subscriptions: subs,
		ABIFiles:      getStringMap(v, "abi-files"),
		Out:           v.GetString("out"),
		PGDSN:         v.GetString("pg-dsn"),
		LogLevel:      v.GetString("log-level"),
	}

	return cfg, nil
}
