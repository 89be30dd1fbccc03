package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the subset of a ledger block header the engine tracks.
type Block struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parent_hash"`
	Timestamp  uint64      `json:"timestamp"`
}

// BlockFromHeader converts a go-ethereum header into a Block.
func BlockFromHeader(header *types.Header) Block {
	return Block{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
	}
}

// Extends reports whether b is the direct child of parent.
func (b Block) Extends(parent Block) bool {
	return b.ParentHash == parent.Hash && b.Number == parent.Number+1
}
