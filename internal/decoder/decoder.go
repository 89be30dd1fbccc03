// Package decoder binds raw event records to known contract event descriptors.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"eventScope/internal/model"
)

var (
	// ErrNoDecoderAvailable is returned when decoding is requested without an interface.
	ErrNoDecoderAvailable = errors.New("no decoder available")
	// ErrDataTooShort is returned when a signature matches but the data cannot hold
	// the declared non-indexed payload.
	ErrDataTooShort = errors.New("event data shorter than declared payload")
)

// Interface is a contract interface: the events it can emit, indexed by topic0.
type Interface struct {
	name   string
	abi    abi.ABI
	events map[common.Hash]abi.Event
}

// NewInterface parses an ABI JSON document.
func NewInterface(name string, r io.Reader) (*Interface, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", name, err)
	}
	return NewInterfaceFromABI(name, parsed), nil
}

// NewInterfaceFromABI wraps an already parsed ABI. Anonymous events are skipped
// since they carry no signature topic.
func NewInterfaceFromABI(name string, parsed abi.ABI) *Interface {
	events := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, event := range parsed.Events {
		if event.Anonymous {
			continue
		}
		events[event.ID] = event
	}
	return &Interface{name: name, abi: parsed, events: events}
}

// Builtin returns one of the interfaces shipped with the decoder.
func Builtin(name string) (*Interface, error) {
	parsed, ok, err := BuiltinABI(name)
	if err != nil {
		return nil, fmt.Errorf("parse builtin abi %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("unknown builtin interface: %s", name)
	}
	return NewInterfaceFromABI(name, parsed), nil
}

func (i *Interface) Name() string {
	return i.name
}

// ABI returns the underlying go-ethereum ABI.
func (i *Interface) ABI() abi.ABI {
	return i.abi
}

// Event looks up an event descriptor by its signature topic.
func (i *Interface) Event(topic0 common.Hash) (abi.Event, bool) {
	event, ok := i.events[topic0]
	return event, ok
}

// Topic0 returns the signature topic of the named event.
func (i *Interface) Topic0(eventName string) (common.Hash, bool) {
	event, ok := i.abi.Events[eventName]
	if !ok || event.Anonymous {
		return common.Hash{}, false
	}
	return event.ID, true
}

// CanDecode reports whether the record's signature and topic count match an event.
func (i *Interface) CanDecode(rec model.EventRecord) bool {
	_, ok := i.match(rec)
	return ok
}

// Decode binds rec to the matching event. It returns (nil, nil) when no event
// of the interface matches, which callers treat as "undecoded".
func (i *Interface) Decode(rec model.EventRecord) (*model.DecodedEvent, error) {
	event, ok := i.match(rec)
	if !ok {
		return nil, nil
	}

	nonIndexed := event.Inputs.NonIndexed()
	if need := headSize(nonIndexed); len(rec.Data) < need {
		return nil, fmt.Errorf("%s: %w: have %d bytes, need %d", event.Sig, ErrDataTooShort, len(rec.Data), need)
	}

	values, err := nonIndexed.Unpack(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Sig, err)
	}

	args := make([]model.Arg, 0, len(event.Inputs))
	topicIdx, valueIdx := 1, 0
	for _, input := range event.Inputs {
		arg := model.Arg{Name: input.Name, Type: input.Type.String(), Indexed: input.Indexed}
		if input.Indexed {
			value, err := parseIndexed(input, rec.Topics[topicIdx])
			if err != nil {
				return nil, fmt.Errorf("parse topic %s of %s: %w", input.Name, event.Sig, err)
			}
			arg.Value = value
			topicIdx++
		} else {
			arg.Value = values[valueIdx]
			valueIdx++
		}
		args = append(args, arg)
	}

	return &model.DecodedEvent{
		Record:    rec,
		Contract:  i.name,
		Name:      event.Name,
		Signature: event.Sig,
		Args:      args,
	}, nil
}

func (i *Interface) match(rec model.EventRecord) (abi.Event, bool) {
	topic0, ok := rec.Topic0()
	if !ok {
		return abi.Event{}, false
	}
	event, ok := i.events[topic0]
	if !ok {
		return abi.Event{}, false
	}
	if len(rec.Topics) != len(indexedArguments(event.Inputs))+1 {
		return abi.Event{}, false
	}
	return event, true
}

// Decode decodes rec with iface, failing with ErrNoDecoderAvailable if iface is nil.
func Decode(iface *Interface, rec model.EventRecord) (*model.DecodedEvent, error) {
	if iface == nil {
		return nil, ErrNoDecoderAvailable
	}
	return iface.Decode(rec)
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

// parseIndexed decodes a single topic. Dynamic and composite types are stored
// in topics as their keccak256 hash, so the hash itself is the value.
func parseIndexed(arg abi.Argument, topic common.Hash) (any, error) {
	switch arg.Type.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return topic, nil
	}

	out := make(map[string]interface{}, 1)
	if err := abi.ParseTopicsIntoMap(out, abi.Arguments{arg}, []common.Hash{topic}); err != nil {
		return nil, err
	}
	return out[arg.Name], nil
}

// headSize is the minimum encoded length of args: every dynamic value
// contributes a 32 byte offset, static values their full width.
func headSize(args abi.Arguments) int {
	size := 0
	for _, arg := range args {
		size += staticSize(arg.Type)
	}
	return size
}

func staticSize(t abi.Type) int {
	if isDynamic(t) {
		return 32
	}
	switch t.T {
	case abi.ArrayTy:
		return t.Size * staticSize(*t.Elem)
	case abi.TupleTy:
		size := 0
		for _, elem := range t.TupleElems {
			size += staticSize(*elem)
		}
		return size
	default:
		return 32
	}
}

func isDynamic(t abi.Type) bool {
	switch t.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy:
		return true
	case abi.ArrayTy:
		return isDynamic(*t.Elem)
	case abi.TupleTy:
		for _, elem := range t.TupleElems {
			if isDynamic(*elem) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
