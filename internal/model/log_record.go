package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// LogRecord is the normalized representation of a notification for storage.
type LogRecord struct {
	ChainID     uint64   `json:"chain_id"`
	Subscriber  string   `json:"subscriber,omitempty"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
	Timestamp   uint64   `json:"timestamp,omitempty"`
	IngestedAt  string   `json:"ingested_at"`
	Contract    string   `json:"contract,omitempty"`
	EventName   string   `json:"event_name,omitempty"`
	Args        []Arg    `json:"args,omitempty"`
}

// NewLogRecord flattens a record, and its decoding when present, into the
// storage form.
func NewLogRecord(chainID uint64, rec EventRecord, decoded *DecodedEvent, timestamp uint64, ingestedAt time.Time) LogRecord {
	topics := make([]string, 0, len(rec.Topics))
	for _, topic := range rec.Topics {
		topics = append(topics, topic.Hex())
	}

	lr := LogRecord{
		ChainID:     chainID,
		BlockNumber: rec.BlockNumber,
		BlockHash:   rec.BlockHash.Hex(),
		TxHash:      rec.TxHash.Hex(),
		TxIndex:     uint64(rec.TxIndex),
		LogIndex:    uint64(rec.LogIndex),
		Address:     rec.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(rec.Data),
		Removed:     rec.Removed,
		Timestamp:   timestamp,
		IngestedAt:  ingestedAt.UTC().Format(time.RFC3339Nano),
	}
	if decoded != nil {
		lr.Contract = decoded.Contract
		lr.EventName = decoded.Name
		lr.Args = JSONArgs(decoded.Args)
	}
	return lr
}

// MarshalJSON ensures LogRecord is encoded with stable field names.
func (lr LogRecord) MarshalJSON() ([]byte, error) {
	type Alias LogRecord
	return json.Marshal(Alias(lr))
}

// UnmarshalJSON decodes a LogRecord from JSON.
func (lr *LogRecord) UnmarshalJSON(data []byte) error {
	type Alias LogRecord
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*lr = LogRecord(a)
	return nil
}

// EventRecord parses the string fields back into an EventRecord.
func (lr LogRecord) EventRecord() (EventRecord, error) {
	if !common.IsHexAddress(lr.Address) {
		return EventRecord{}, fmt.Errorf("invalid address: %s", lr.Address)
	}

	topics := make([]common.Hash, 0, len(lr.Topics))
	for _, topic := range lr.Topics {
		raw, err := hexutil.Decode(topic)
		if err != nil {
			return EventRecord{}, fmt.Errorf("invalid topic %s: %w", topic, err)
		}
		if len(raw) > common.HashLength {
			return EventRecord{}, fmt.Errorf("topic length %d", len(raw))
		}
		topics = append(topics, common.BytesToHash(raw))
	}

	var data []byte
	if lr.Data != "" && lr.Data != "0x" {
		raw, err := hexutil.Decode(lr.Data)
		if err != nil {
			return EventRecord{}, fmt.Errorf("invalid data: %w", err)
		}
		data = raw
	}

	return EventRecord{
		Address:     common.HexToAddress(lr.Address),
		Topics:      topics,
		Data:        data,
		BlockHash:   common.HexToHash(lr.BlockHash),
		BlockNumber: lr.BlockNumber,
		TxHash:      common.HexToHash(lr.TxHash),
		TxIndex:     uint(lr.TxIndex),
		LogIndex:    uint(lr.LogIndex),
		Removed:     lr.Removed,
	}, nil
}

// JSONArgs converts argument values into JSON friendly forms.
// Big integers become decimal strings, byte arrays become hex.
func JSONArgs(args []Arg) []Arg {
	out := make([]Arg, 0, len(args))
	for _, arg := range args {
		arg.Value = jsonValue(arg.Value)
		out = append(out, arg)
	}
	return out
}

func jsonValue(value any) any {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case [32]byte:
		return hexutil.Encode(v[:])
	default:
		return v
	}
}
