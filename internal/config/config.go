package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WATCHER_RPC.
const EnvPrefix = "WATCHER"

// Subscription is one filter entry of the config file.
type Subscription struct {
	Name    string   `mapstructure:"name"`
	Address string   `mapstructure:"address"`
	Topics  []string `mapstructure:"topics"`
	// ABI names a built-in or abi-files interface used to decode matches.
	ABI string `mapstructure:"abi"`
}

// Config holds configuration for the watch command.
type Config struct {
	RPCURL            string
	PollInterval      time.Duration
	Depth             int
	RPCTimeout        time.Duration
	RequestsPerSecond float64
	Burst             int
	Subscriptions     []Subscription
	ABIFiles          map[string]string
	Out               string
	PGDSN             string
	MetricsAddr       string
	Resubscribe       bool
	MaxResubscribes   int
	LogLevel          string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags, map[string]any{
		"poll-interval":       4 * time.Second,
		"depth":               64,
		"rpc-timeout":         10 * time.Second,
		"requests-per-second": 0.0,
		"burst":               1,
		"out":                 "./data/notifications.jsonl",
		"metrics-addr":        "",
		"resubscribe":         true,
		"max-resubscribes":    10,
		"log-level":           "info",
	})
	if err != nil {
		return Config{}, err
	}

	subs, err := loadSubscriptions(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		PollInterval:      v.GetDuration("poll-interval"),
		Depth:             v.GetInt("depth"),
		RPCTimeout:        v.GetDuration("rpc-timeout"),
		RequestsPerSecond: v.GetFloat64("requests-per-second"),
		Burst:             v.GetInt("burst"),
		Subscriptions:     subs,
		ABIFiles:          getStringMap(v, "abi-files"),
		Out:               v.GetString("out"),
		PGDSN:             v.GetString("pg-dsn"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Resubscribe:       v.GetBool("resubscribe"),
		MaxResubscribes:   v.GetInt("max-resubscribes"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

func newViper(cfgFile string, flags *pflag.FlagSet, defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

// loadSubscriptions reads the subscriptions list and appends the one given by
// --address/--topic/--abi, if any.
func loadSubscriptions(v *viper.Viper) ([]Subscription, error) {
	var subs []Subscription
	if v.IsSet("subscriptions") {
		if err := v.UnmarshalKey("subscriptions", &subs); err != nil {
			return nil, fmt.Errorf("parse subscriptions: %w", err)
		}
	}
	for i := range subs {
		if subs[i].Name == "" {
			subs[i].Name = fmt.Sprintf("subscription-%d", i+1)
		}
		subs[i].Topics = cleanStrings(subs[i].Topics)
	}

	address := strings.TrimSpace(v.GetString("address"))
	topics := getStringSlice(v, "topic")
	if address != "" || len(topics) > 0 {
		subs = append(subs, Subscription{
			Name:    "cli",
			Address: address,
			Topics:  topics,
			ABI:     v.GetString("abi"),
		})
	}
	return subs, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	case []string:
		return parseStringMap(strings.Join(typed, ","))
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
