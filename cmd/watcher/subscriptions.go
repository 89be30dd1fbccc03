package main

import (
	"fmt"
	"sort"

	"eventScope/internal/backfill"
	"eventScope/internal/config"
	"eventScope/internal/decoder"
	"eventScope/internal/filter"
)

// loadDecoders returns the built-in interfaces plus every configured ABI file.
func loadDecoders(abiFiles map[string]string) (*decoder.Registry, error) {
	registry, err := decoder.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(abiFiles))
	for name := range abiFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := registry.LoadFile(name, abiFiles[name]); err != nil {
			return nil, fmt.Errorf("load abi %s: %w", name, err)
		}
	}
	return registry, nil
}

// resolveSubscriptions parses config entries into filters and binds their
// interfaces. Naming an unknown interface is an error.
func resolveSubscriptions(subs []config.Subscription, registry *decoder.Registry) ([]backfill.Subscription, error) {
	out := make([]backfill.Subscription, 0, len(subs))
	for _, sub := range subs {
		spec, err := filter.ParseSpec(sub.Address, sub.Topics)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.Name, err)
		}

		var iface *decoder.Interface
		if sub.ABI != "" {
			found, ok := registry.Get(sub.ABI)
			if !ok {
				return nil, fmt.Errorf("subscription %s: %w: %s", sub.Name, decoder.ErrNoDecoderAvailable, sub.ABI)
			}
			iface = found
		}

		out = append(out, backfill.Subscription{Name: sub.Name, Filter: spec, Interface: iface})
	}
	return out, nil
}
