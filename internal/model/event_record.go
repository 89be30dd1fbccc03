package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventRecord is a raw contract log as observed on the ledger.
// Removed is assigned by the engine, never by the source.
type EventRecord struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockHash   common.Hash
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	Removed     bool
}

// EventRecordFromLog converts a go-ethereum log into an EventRecord.
func EventRecordFromLog(log types.Log) EventRecord {
	topics := make([]common.Hash, len(log.Topics))
	copy(topics, log.Topics)

	return EventRecord{
		Address:     log.Address,
		Topics:      topics,
		Data:        log.Data,
		BlockHash:   log.BlockHash,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
	}
}

// Topic0 returns the first topic, which conventionally identifies the event signature.
func (r EventRecord) Topic0() (common.Hash, bool) {
	if len(r.Topics) == 0 {
		return common.Hash{}, false
	}
	return r.Topics[0], true
}
