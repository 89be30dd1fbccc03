package backfill

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"eventScope/internal/decoder"
	"eventScope/internal/filter"
	"eventScope/internal/model"
)

type fakeSource struct {
	latest   uint64
	logs     []types.Log
	failures int
	queries  [][2]uint64
	topics   [][]common.Hash
}

func (f *fakeSource) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream timeout")
	}
	f.queries = append(f.queries, [2]uint64{from, to})
	f.topics = topics
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	// the node repeats the first log of every batch to exercise dedupe
	if len(out) > 0 {
		out = append(out, out[0])
	}
	return out, nil
}

func (f *fakeSource) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1_000 + number, nil
}

type memoryStorage struct {
	mu      sync.Mutex
	records []model.LogRecord
}

func (m *memoryStorage) PutLogBatch(_ context.Context, logs []model.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, logs...)
	return nil
}

func transferLog(t *testing.T, iface *decoder.Interface, block uint64, index uint, value int64) types.Log {
	t.Helper()
	topic0, ok := iface.Topic0("Transfer")
	if !ok {
		t.Fatalf("Transfer not in interface")
	}
	return types.Log{
		Address:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Topics:      []common.Hash{topic0, common.HexToHash("0x01"), common.HexToHash("0x02")},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Index:       index,
	}
}

func TestRunMatchesDecodesAndDedupes(t *testing.T) {
	erc20, err := decoder.Builtin(decoder.ERC20)
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	transfer, _ := erc20.Topic0("Transfer")

	other := transferLog(t, erc20, 12, 0, 5)
	other.Topics = []common.Hash{common.HexToHash("0xff")}

	src := &fakeSource{
		latest:   14,
		failures: 1,
		logs: []types.Log{
			transferLog(t, erc20, 10, 0, 100),
			transferLog(t, erc20, 11, 3, 200),
			other,
		},
	}
	sink := &memoryStorage{}

	runner := NewRunner(RunConfig{
		FromBlock:    10,
		BatchSize:    2,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Timestamps:   true,
		Subscriptions: []Subscription{{
			Name:      "transfers",
			Filter:    filter.Spec{Topics: []filter.TopicPattern{filter.Exactly(transfer)}},
			Interface: erc20,
		}},
	}, src, sink, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantQueries := [][2]uint64{{10, 11}, {12, 13}, {14, 14}}
	if len(src.queries) != len(wantQueries) {
		t.Fatalf("queries = %v", src.queries)
	}
	for i, q := range wantQueries {
		if src.queries[i] != q {
			t.Fatalf("query %d = %v, want %v", i, src.queries[i], q)
		}
	}
	if len(src.topics) != 1 || src.topics[0][0] != transfer {
		t.Fatalf("topic query = %v", src.topics)
	}

	if len(sink.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(sink.records))
	}
	first := sink.records[0]
	if first.Subscriber != "transfers" || first.EventName != "Transfer" {
		t.Fatalf("unexpected record: %+v", first)
	}
	if first.Timestamp != 1_010 {
		t.Fatalf("timestamp = %d", first.Timestamp)
	}
	value, ok := findArg(first.Args, "value")
	if !ok || value != "100" {
		t.Fatalf("value arg = %v", value)
	}
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	src := &fakeSource{latest: 5, failures: 10}
	runner := NewRunner(RunConfig{
		BatchSize:     10,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
		Subscriptions: []Subscription{{Name: "all", Filter: filter.CatchAll()}},
	}, src, &memoryStorage{}, nil)

	if err := runner.Run(context.Background()); err == nil {
		t.Fatalf("expected error after retries")
	}
	if src.failures != 8 {
		t.Fatalf("expected 2 attempts, failures left %d", src.failures)
	}
}

func TestRunValidation(t *testing.T) {
	sink := &memoryStorage{}
	src := &fakeSource{}
	cases := []RunConfig{
		{BatchSize: 0, Subscriptions: []Subscription{{Filter: filter.CatchAll()}}},
		{BatchSize: 10},
	}
	for i, cfg := range cases {
		if err := NewRunner(cfg, src, sink, nil).Run(context.Background()); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func findArg(args []model.Arg, name string) (any, bool) {
	for _, arg := range args {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

func TestRunStopsShortOfUnconfirmedBlocks(t *testing.T) {
	src := &fakeSource{latest: 100}
	runner := NewRunner(RunConfig{
		FromBlock:     90,
		Confirmations: 5,
		BatchSize:     3,
		Subscriptions: []Subscription{{Name: "all", Filter: filter.CatchAll()}},
	}, src, &memoryStorage{}, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := [][2]uint64{{90, 92}, {93, 95}}
	if len(src.queries) != len(want) || src.queries[0] != want[0] || src.queries[1] != want[1] {
		t.Fatalf("queries = %v, want %v", src.queries, want)
	}
}

func TestRunNothingSettled(t *testing.T) {
	src := &fakeSource{latest: 10}
	runner := NewRunner(RunConfig{
		Confirmations: 64,
		BatchSize:     10,
		Subscriptions: []Subscription{{Name: "all", Filter: filter.CatchAll()}},
	}, src, &memoryStorage{}, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(src.queries) != 0 {
		t.Fatalf("unexpected queries: %v", src.queries)
	}
}
