package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"eventScope/internal/model"
)

// Op names a Memory ledger operation for failure injection and call counting.
type Op string

const (
	OpFetchHead  Op = "fetch_head"
	OpFetchBlock Op = "fetch_block"
	OpFetchLogs  Op = "fetch_logs"
)

// Memory is an in-memory ledger that supports forks. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	blocks    map[common.Hash]model.Block
	canonical map[uint64]common.Hash
	logs      map[common.Hash][]model.EventRecord
	head      common.Hash
	failures  map[Op][]error
	calls     map[Op]int
}

// NewMemory creates a ledger holding only a genesis block, which is also the head.
func NewMemory() *Memory {
	m := &Memory{
		blocks:    make(map[common.Hash]model.Block),
		canonical: make(map[uint64]common.Hash),
		logs:      make(map[common.Hash][]model.EventRecord),
		failures:  make(map[Op][]error),
		calls:     make(map[Op]int),
	}
	genesis := model.Block{Number: 0, Hash: blockHash(common.Hash{}, 0, 0)}
	m.blocks[genesis.Hash] = genesis
	m.canonical[0] = genesis.Hash
	m.head = genesis.Hash
	return m
}

// Genesis returns block zero.
func (m *Memory) Genesis() model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[m.canonical[0]]
}

// Head returns the current head without counting a call.
func (m *Memory) Head() model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[m.head]
}

// Extend creates a child of parent. Different salts produce sibling blocks.
// The head is not moved.
func (m *Memory) Extend(parent model.Block, salt byte) model.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	number := parent.Number + 1
	b := model.Block{
		Number:     number,
		Hash:       blockHash(parent.Hash, number, salt),
		ParentHash: parent.Hash,
		Timestamp:  parent.Timestamp + 12,
	}
	m.blocks[b.Hash] = b
	return b
}

// Mine extends the current head and moves the head to the new block.
func (m *Memory) Mine(salt byte) model.Block {
	b := m.Extend(m.Head(), salt)
	if err := m.SetHead(b.Hash); err != nil {
		panic(err)
	}
	return b
}

// SetHead moves the head and rebuilds the canonical number index.
func (m *Memory) SetHead(hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[hash]
	if !ok {
		return fmt.Errorf("unknown block %s", hash.Hex())
	}

	canonical := make(map[uint64]common.Hash, b.Number+1)
	for {
		canonical[b.Number] = b.Hash
		if b.Number == 0 {
			break
		}
		parent, ok := m.blocks[b.ParentHash]
		if !ok {
			return fmt.Errorf("missing parent %s of block %d", b.ParentHash.Hex(), b.Number)
		}
		b = parent
	}

	m.canonical = canonical
	m.head = hash
	return nil
}

// AddLogs attaches records to a block, stamping block hash, number and log index.
func (m *Memory) AddLogs(block model.Block, records ...model.EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.logs[block.Hash]
	for _, rec := range records {
		rec.BlockHash = block.Hash
		rec.BlockNumber = block.Number
		rec.LogIndex = uint(len(existing))
		rec.Removed = false
		existing = append(existing, rec)
	}
	m.logs[block.Hash] = existing
}

// FailNext makes the next call of op return err. Calls queue in order.
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) FetchHead(ctx context.Context) (model.Block, error) {
	if err := m.enter(ctx, OpFetchHead); err != nil {
		return model.Block{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[m.head], nil
}

func (m *Memory) FetchBlock(ctx context.Context, id BlockID) (model.Block, error) {
	if err := m.enter(ctx, OpFetchBlock); err != nil {
		return model.Block{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := id.Hash()
	if !ok {
		number, _ := id.Number()
		hash, ok = m.canonical[number]
		if !ok {
			return model.Block{}, Malformed("fetch block", fmt.Errorf("block %s not found", id))
		}
	}
	b, ok := m.blocks[hash]
	if !ok {
		return model.Block{}, Malformed("fetch block", fmt.Errorf("block %s not found", id))
	}
	return b, nil
}

func (m *Memory) FetchLogs(ctx context.Context, blockHash common.Hash) ([]model.EventRecord, error) {
	if err := m.enter(ctx, OpFetchLogs); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocks[blockHash]; !ok {
		return nil, Malformed("fetch logs", fmt.Errorf("block %s not found", blockHash.Hex()))
	}
	src := m.logs[blockHash]
	out := make([]model.EventRecord, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) enter(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(string(op), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[op]++
	queued := m.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	m.failures[op] = queued[1:]
	return err
}

func blockHash(parent common.Hash, number uint64, salt byte) common.Hash {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	buf[8] = salt
	return crypto.Keccak256Hash(parent.Bytes(), buf[:])
}
