package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const sampleConfig = `
rpc: http://file.example:8545
poll-interval: 2s
depth: 32
abi-files:
  pool: ./abi/pool.json
subscriptions:
  - name: usdc-transfers
    address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    topics:
      - "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
      - "*"
    abi: erc20
  - address: "0x00000000000000000000000000000000000000aa"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func watchFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.String("address", "", "")
	flags.StringSlice("topic", nil, "")
	flags.String("abi", "", "")
	flags.Duration("poll-interval", 0, "")
	return flags
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path, watchFlags())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RPCURL != "http://file.example:8545" {
		t.Fatalf("rpc = %s", cfg.RPCURL)
	}
	if cfg.PollInterval != 2*time.Second || cfg.Depth != 32 {
		t.Fatalf("poll settings = %s/%d", cfg.PollInterval, cfg.Depth)
	}
	if cfg.RPCTimeout != 10*time.Second || !cfg.Resubscribe {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ABIFiles["pool"] != "./abi/pool.json" {
		t.Fatalf("abi files = %v", cfg.ABIFiles)
	}

	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(cfg.Subscriptions))
	}
	first := cfg.Subscriptions[0]
	if first.Name != "usdc-transfers" || first.ABI != "erc20" || len(first.Topics) != 2 || first.Topics[1] != "*" {
		t.Fatalf("first subscription = %+v", first)
	}
	if cfg.Subscriptions[1].Name != "subscription-2" {
		t.Fatalf("unnamed subscription got %q", cfg.Subscriptions[1].Name)
	}
}

func TestLoadEnvAndFlagsOverride(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("WATCHER_RPC", "http://env.example:8545")
	t.Setenv("WATCHER_MAX_RESUBSCRIBES", "3")

	flags := watchFlags()
	if err := flags.Parse([]string{
		"--poll-interval=500ms",
		"--address=0x00000000000000000000000000000000000000bb",
		"--topic=0x01|0x02",
		"--topic=*",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCURL != "http://env.example:8545" {
		t.Fatalf("env override lost: %s", cfg.RPCURL)
	}
	if cfg.MaxResubscribes != 3 {
		t.Fatalf("max resubscribes = %d", cfg.MaxResubscribes)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("flag override lost: %s", cfg.PollInterval)
	}

	last := cfg.Subscriptions[len(cfg.Subscriptions)-1]
	if last.Name != "cli" || last.Address != "0x00000000000000000000000000000000000000bb" {
		t.Fatalf("cli subscription = %+v", last)
	}
	if len(last.Topics) != 2 || last.Topics[0] != "0x01|0x02" {
		t.Fatalf("cli topics = %v", last.Topics)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadBackfillAndDecode(t *testing.T) {
	path := writeConfig(t, sampleConfig+"from: 100\nto: 200\nin: ./in.jsonl\nabi: uniswap-v3-pool\n")

	bf, err := LoadBackfill(path, nil)
	if err != nil {
		t.Fatalf("LoadBackfill: %v", err)
	}
	if bf.FromBlock != 100 || bf.ToBlock != 200 || bf.BatchSize != 2000 || bf.Confirmations != 64 {
		t.Fatalf("backfill range = %+v", bf)
	}
	if len(bf.Subscriptions) != 2 || !bf.Timestamps {
		t.Fatalf("backfill subscriptions = %+v", bf.Subscriptions)
	}

	dc, err := LoadDecode(path, nil)
	if err != nil {
		t.Fatalf("LoadDecode: %v", err)
	}
	if dc.In != "./in.jsonl" || dc.ABI != "uniswap-v3-pool" || dc.Errors != "./data/decode_errors.jsonl" {
		t.Fatalf("decode config = %+v", dc)
	}
}

func TestParseStringMap(t *testing.T) {
	got := parseStringMap("pool=./pool.json, bad, token = ./token.json,=x")
	if len(got) != 2 || got["pool"] != "./pool.json" || got["token"] != "./token.json" {
		t.Fatalf("unexpected map: %v", got)
	}
}
