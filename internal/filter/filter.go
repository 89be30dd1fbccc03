// Package filter matches event records against address and topic patterns.
package filter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"eventScope/internal/model"
)

// MaxTopics is the number of topic positions an event record can carry.
const MaxTopics = 4

// PatternKind is the variant tag of a TopicPattern.
type PatternKind uint8

const (
	KindAny PatternKind = iota
	KindExactly
	KindOneOf
)

// TopicPattern constrains a single topic position.
type TopicPattern struct {
	kind   PatternKind
	values []common.Hash
}

// Any matches every value.
func Any() TopicPattern {
	return TopicPattern{kind: KindAny}
}

// Exactly matches a single value.
func Exactly(value common.Hash) TopicPattern {
	return TopicPattern{kind: KindExactly, values: []common.Hash{value}}
}

// OneOf matches any of the given values. An empty set matches nothing.
func OneOf(values ...common.Hash) TopicPattern {
	set := make([]common.Hash, len(values))
	copy(set, values)
	return TopicPattern{kind: KindOneOf, values: set}
}

func (p TopicPattern) Kind() PatternKind {
	return p.kind
}

// Values returns the constrained values; nil for Any.
func (p TopicPattern) Values() []common.Hash {
	return p.values
}

// Match reports whether topic satisfies the pattern.
func (p TopicPattern) Match(topic common.Hash) bool {
	switch p.kind {
	case KindAny:
		return true
	case KindExactly:
		return topic == p.values[0]
	case KindOneOf:
		for _, v := range p.values {
			if v == topic {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (p TopicPattern) String() string {
	switch p.kind {
	case KindAny:
		return "*"
	default:
		parts := make([]string, 0, len(p.values))
		for _, v := range p.values {
			parts = append(parts, v.Hex())
		}
		return strings.Join(parts, "|")
	}
}

// Spec is a filter over event records. A nil Address matches any emitter.
// Positions beyond len(Topics) are unconstrained.
type Spec struct {
	Address *common.Address
	Topics  []TopicPattern
}

// CatchAll matches every record.
func CatchAll() Spec {
	return Spec{}
}

// Validate rejects specs that could never be satisfied by a well-formed record.
func (s Spec) Validate() error {
	if len(s.Topics) > MaxTopics {
		return fmt.Errorf("too many topic positions: %d > %d", len(s.Topics), MaxTopics)
	}
	return nil
}

func (s Spec) String() string {
	addr := "*"
	if s.Address != nil {
		addr = s.Address.Hex()
	}
	topics := make([]string, 0, len(s.Topics))
	for _, t := range s.Topics {
		topics = append(topics, t.String())
	}
	return fmt.Sprintf("address=%s topics=[%s]", addr, strings.Join(topics, ","))
}

// Matches tests a record against a spec.
func Matches(rec model.EventRecord, spec Spec) bool {
	if spec.Address != nil && rec.Address != *spec.Address {
		return false
	}
	for i, pattern := range spec.Topics {
		if len(rec.Topics) < i+1 {
			return false
		}
		if !pattern.Match(rec.Topics[i]) {
			return false
		}
	}
	return true
}

// ParseSpec builds a Spec from strings. An empty address means any emitter.
// Each topic is "*" or "" for Any, "a|b" for OneOf, or a single hash for Exactly.
func ParseSpec(address string, topics []string) (Spec, error) {
	var spec Spec

	address = strings.TrimSpace(address)
	if address != "" {
		if !common.IsHexAddress(address) {
			return Spec{}, fmt.Errorf("invalid address: %s", address)
		}
		addr := common.HexToAddress(address)
		spec.Address = &addr
	}

	for _, topic := range topics {
		pattern, err := ParseTopicPattern(topic)
		if err != nil {
			return Spec{}, err
		}
		spec.Topics = append(spec.Topics, pattern)
	}

	return spec, spec.Validate()
}

// ParseTopicPattern parses a single topic position.
func ParseTopicPattern(input string) (TopicPattern, error) {
	input = strings.TrimSpace(input)
	if input == "" || input == "*" {
		return Any(), nil
	}

	parts := strings.Split(input, "|")
	values := make([]common.Hash, 0, len(parts))
	for _, part := range parts {
		hash, err := ParseHash(part)
		if err != nil {
			return TopicPattern{}, err
		}
		values = append(values, hash)
	}
	if len(values) == 1 {
		return Exactly(values[0]), nil
	}
	return OneOf(values...), nil
}

// ParseHash parses a 32-byte hex topic.
func ParseHash(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid topic: %s", input)
	}
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid topic length: %s", input)
	}
	return common.BytesToHash(data), nil
}
