package filter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// QueryTopics converts specs into the positional topic lists of an eth_getLogs
// query. A position becomes a wildcard if any spec leaves it unconstrained.
func QueryTopics(specs []Spec) [][]common.Hash {
	width := 0
	for _, spec := range specs {
		if len(spec.Topics) > width {
			width = len(spec.Topics)
		}
	}

	out := make([][]common.Hash, 0, width)
	for i := 0; i < width; i++ {
		var values []common.Hash
		seen := make(map[common.Hash]struct{})
		wildcard := false
		for _, spec := range specs {
			if i >= len(spec.Topics) || spec.Topics[i].Kind() == KindAny {
				wildcard = true
				break
			}
			for _, v := range spec.Topics[i].Values() {
				if _, ok := seen[v]; ok {
					continue
				}
				seen[v] = struct{}{}
				values = append(values, v)
			}
		}
		if wildcard {
			values = nil
		}
		out = append(out, values)
	}

	for len(out) > 0 && out[len(out)-1] == nil {
		out = out[:len(out)-1]
	}
	return out
}

// QueryAddresses returns the emitter addresses of specs, or nil if any spec
// accepts every emitter.
func QueryAddresses(specs []Spec) []common.Address {
	var out []common.Address
	seen := make(map[common.Address]struct{})
	for _, spec := range specs {
		if spec.Address == nil {
			return nil
		}
		if _, ok := seen[*spec.Address]; ok {
			continue
		}
		seen[*spec.Address] = struct{}{}
		out = append(out, *spec.Address)
	}
	return out
}
