package backfill

import (
	"errors"
	"fmt"
)

var errEmptyRange = errors.New("empty block range")

// Range is an inclusive span of block numbers.
type Range struct {
	From uint64
	To   uint64
}

func (r Range) Len() uint64 {
	return r.To - r.From + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// ResolveRange computes the span a backfill scans. A zero to means the latest
// block minus confirmations, so that blocks still inside the live watcher's
// reorg window are left to it. errEmptyRange is returned when nothing is settled.
func ResolveRange(from, to, latest, confirmations uint64) (Range, error) {
	if to == 0 {
		if latest < confirmations {
			return Range{}, errEmptyRange
		}
		to = latest - confirmations
	}
	if to < from {
		return Range{}, errEmptyRange
	}
	return Range{From: from, To: to}, nil
}

// Batches cuts r into consecutive spans of at most size blocks.
func (r Range) Batches(size uint64) ([]Range, error) {
	if size == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if r.To < r.From {
		return nil, errEmptyRange
	}

	out := make([]Range, 0, (r.Len()+size-1)/size)
	for start := r.From; ; start += size {
		end := r.To
		if r.To-start >= size {
			end = start + size - 1
		}
		out = append(out, Range{From: start, To: end})
		if end == r.To {
			return out, nil
		}
	}
}
