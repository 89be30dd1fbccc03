// Package ledger defines the interface the engine uses to reach a ledger node,
// the I/O error taxonomy shared by every implementation, and an in-memory ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"eventScope/internal/model"
)

var (
	// ErrNodeUnavailable is returned when the node cannot be reached.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrMalformedResponse is returned when the node answers with something unusable.
	ErrMalformedResponse = errors.New("malformed response")
)

// Ledger is the node collaborator consumed by the engine.
type Ledger interface {
	FetchHead(ctx context.Context) (model.Block, error)
	FetchBlock(ctx context.Context, id BlockID) (model.Block, error)
	FetchLogs(ctx context.Context, blockHash common.Hash) ([]model.EventRecord, error)
}

// BlockFetcher is the subset of Ledger needed to walk ancestry.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, id BlockID) (model.Block, error)
}

// BlockID identifies a block either by hash or by number.
type BlockID struct {
	hash   common.Hash
	number uint64
	byHash bool
}

func ByHash(hash common.Hash) BlockID {
	return BlockID{hash: hash, byHash: true}
}

func ByNumber(number uint64) BlockID {
	return BlockID{number: number}
}

// Hash returns the hash if the id was built with ByHash.
func (id BlockID) Hash() (common.Hash, bool) {
	return id.hash, id.byHash
}

// Number returns the number if the id was built with ByNumber.
func (id BlockID) Number() (uint64, bool) {
	return id.number, !id.byHash
}

func (id BlockID) String() string {
	if id.byHash {
		return id.hash.Hex()
	}
	return fmt.Sprintf("#%d", id.number)
}

// Unavailable wraps err as ErrNodeUnavailable. err stays in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNodeUnavailable, err)
}

// Malformed wraps err as ErrMalformedResponse.
func Malformed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMalformedResponse, err)
}
