// Package chainview keeps a bounded window of recently adopted blocks and
// computes the retract/adopt plan implied by a newly observed head.
package chainview

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"eventScope/internal/ledger"
	"eventScope/internal/model"
)

// DefaultDepth is the default number of blocks retained for reorg resolution.
const DefaultDepth = 64

// ErrReorgWindowExceeded is returned when no common ancestor exists inside the window.
var ErrReorgWindowExceeded = errors.New("reorg exceeds retained window")

// Direction tells whether a block joins or leaves the local view.
type Direction uint8

const (
	Adopt Direction = iota
	Retract
)

func (d Direction) String() string {
	if d == Retract {
		return "retract"
	}
	return "adopt"
}

// Step is one entry of a reconciliation plan.
type Step struct {
	Block     model.Block
	Direction Direction
}

// View is the in-memory model of the recently observed chain. The oldest
// retained block's parent hash is kept as base so that a branch replacing the
// whole window can still be attached. View is not safe for concurrent use.
type View struct {
	depth  int
	blocks []model.Block
	base   common.Hash
}

func New(depth int) *View {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &View{depth: depth}
}

func (v *View) Depth() int {
	return v.depth
}

func (v *View) Len() int {
	return len(v.blocks)
}

// Head returns the most recently adopted block.
func (v *View) Head() (model.Block, bool) {
	if len(v.blocks) == 0 {
		return model.Block{}, false
	}
	return v.blocks[len(v.blocks)-1], true
}

// Blocks returns a copy of the window, oldest first.
func (v *View) Blocks() []model.Block {
	out := make([]model.Block, len(v.blocks))
	copy(out, v.blocks)
	return out
}

// Reset forgets every block.
func (v *View) Reset() {
	v.blocks = nil
	v.base = common.Hash{}
}

// Reconcile feeds a newly observed head into the view and returns the ordered
// plan: every retraction (most recent first) precedes every adoption (ascending).
// Missing ancestors of head are fetched through fetcher. On error the view is
// left untouched.
func (v *View) Reconcile(ctx context.Context, head model.Block, fetcher ledger.BlockFetcher) ([]Step, error) {
	tip, ok := v.Head()
	if !ok {
		v.push(head)
		return []Step{{Block: head, Direction: Adopt}}, nil
	}
	if head.Hash == tip.Hash {
		return nil, nil
	}
	if head.ParentHash == tip.Hash {
		v.push(head)
		return []Step{{Block: head, Direction: Adopt}}, nil
	}

	window, retracted, branch, err := v.plan(ctx, head, fetcher)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(retracted)+len(branch))
	for _, b := range retracted {
		steps = append(steps, Step{Block: b, Direction: Retract})
	}
	for _, b := range branch {
		steps = append(steps, Step{Block: b, Direction: Adopt})
	}

	v.blocks = window
	for _, b := range branch {
		v.push(b)
	}
	return steps, nil
}

// plan walks back from head until it meets the window. It returns the part of
// the window that survives, the popped blocks in pop order, and the new
// branch in ascending order. The walk is not bounded by depth: a head far
// ahead of a healthy window is a catch-up, and a real fork is caught once the
// window runs empty.
func (v *View) plan(ctx context.Context, head model.Block, fetcher ledger.BlockFetcher) (window, retracted, branch []model.Block, err error) {
	window = make([]model.Block, len(v.blocks))
	copy(window, v.blocks)
	// newest first while walking
	walked := []model.Block{head}
	cursor := head

	for {
		for len(window) > 0 {
			last := window[len(window)-1]
			if last.Hash == cursor.Hash {
				// cursor is already adopted and is the common ancestor
				return window, retracted, ascending(walked[:len(walked)-1]), nil
			}
			if last.Number < cursor.Number {
				break
			}
			retracted = append(retracted, last)
			window = window[:len(window)-1]
		}

		if len(window) > 0 {
			if cursor.ParentHash == window[len(window)-1].Hash {
				return window, retracted, ascending(walked), nil
			}
		} else {
			if cursor.ParentHash == v.base {
				return window, retracted, ascending(walked), nil
			}
			return nil, nil, nil, fmt.Errorf("%w: no ancestor of block %d (%s) within %d blocks",
				ErrReorgWindowExceeded, head.Number, head.Hash.Hex(), v.depth)
		}

		parent, err := fetcher.FetchBlock(ctx, ledger.ByHash(cursor.ParentHash))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fetch ancestor %s: %w", cursor.ParentHash.Hex(), err)
		}
		if parent.Hash != cursor.ParentHash {
			return nil, nil, nil, ledger.Malformed("fetch ancestor",
				fmt.Errorf("asked for %s, got %s", cursor.ParentHash.Hex(), parent.Hash.Hex()))
		}
		if cursor.Number == 0 || parent.Number != cursor.Number-1 {
			return nil, nil, nil, ledger.Malformed("fetch ancestor",
				fmt.Errorf("parent of block %d has number %d", cursor.Number, parent.Number))
		}
		walked = append(walked, parent)
		cursor = parent
	}
}

func ascending(walked []model.Block) []model.Block {
	out := make([]model.Block, len(walked))
	for i, b := range walked {
		out[len(walked)-1-i] = b
	}
	return out
}

func (v *View) push(b model.Block) {
	if len(v.blocks) == 0 {
		v.base = b.ParentHash
	}
	v.blocks = append(v.blocks, b)
	if over := len(v.blocks) - v.depth; over > 0 {
		v.base = v.blocks[over-1].Hash
		v.blocks = append([]model.Block(nil), v.blocks[over:]...)
	}
}
