package subscription

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"eventScope/internal/decoder"
	"eventScope/internal/filter"
	"eventScope/internal/ledger"
	"eventScope/internal/model"
)

var (
	token0  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	topicT0 = common.HexToHash("0x01")
	topicT1 = common.HexToHash("0x02")
	topicT2 = common.HexToHash("0x03")
)

type delivery struct {
	err error
	n   *Notification
}

type recorder struct {
	mu   sync.Mutex
	got  []delivery
	hook func(err error, n *Notification)
}

func (r *recorder) callback(err error, n *Notification) {
	r.mu.Lock()
	r.got = append(r.got, delivery{err: err, n: n})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(err, n)
	}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery, len(r.got))
	copy(out, r.got)
	return out
}

func (r *recorder) errors() []error {
	var out []error
	for _, d := range r.deliveries() {
		if d.err != nil {
			out = append(out, d.err)
		}
	}
	return out
}

func (r *recorder) notifications() []*Notification {
	var out []*Notification
	for _, d := range r.deliveries() {
		if d.n != nil {
			out = append(out, d.n)
		}
	}
	return out
}

func newManager(t *testing.T, l ledger.Ledger, depth int) *Manager {
	t.Helper()
	m := New(l, Config{Interval: time.Hour, Depth: depth})
	t.Cleanup(m.Close)
	return m
}

func record(topics ...common.Hash) model.EventRecord {
	return model.EventRecord{Address: token0, Topics: topics}
}

func mustSubscribe(t *testing.T, m *Manager, spec filter.Spec, iface *decoder.Interface, r *recorder) string {
	t.Helper()
	token, err := m.Subscribe(spec, iface, r.callback)
	require.NoError(t, err)
	return token
}

func t0Filter() filter.Spec {
	return filter.Spec{Topics: []filter.TopicPattern{filter.Exactly(topicT0)}}
}

func TestMonotonicHeadsOnlyAdopt(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, t0Filter(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))

	var mined []model.Block
	for i := 1; i <= 3; i++ {
		b := mem.Mine(byte(i))
		mem.AddLogs(b, record(topicT0))
		mined = append(mined, b)
		require.NoError(t, m.Tick(ctx))
	}

	got := r.notifications()
	require.Len(t, got, 3)
	for i, n := range got {
		require.False(t, n.Removed)
		require.False(t, n.Log.Removed)
		require.Equal(t, mined[i].Hash, n.Log.BlockHash)
	}
	require.Empty(t, r.errors())
}

func TestRetractTwoBeforeAdopt(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, t0Filter(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	b1 := mem.Mine(1)
	require.NoError(t, m.Tick(ctx))
	b2 := mem.Mine(2)
	mem.AddLogs(b2, record(topicT0))
	require.NoError(t, m.Tick(ctx))
	b3 := mem.Mine(3)
	mem.AddLogs(b3, record(topicT0))
	require.NoError(t, m.Tick(ctx))

	fork := mem.Extend(b1, 9)
	mem.AddLogs(fork, record(topicT0))
	require.NoError(t, mem.SetHead(fork.Hash))
	require.NoError(t, m.Tick(ctx))

	got := r.notifications()
	require.Len(t, got, 5)
	tail := got[2:]
	require.True(t, tail[0].Removed)
	require.Equal(t, b3.Hash, tail[0].Log.BlockHash)
	require.True(t, tail[1].Removed)
	require.Equal(t, b2.Hash, tail[1].Log.BlockHash)
	require.False(t, tail[2].Removed)
	require.Equal(t, fork.Hash, tail[2].Log.BlockHash)
}

func TestRepollSameHeadIsIdempotent(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	b := mem.Mine(1)
	mem.AddLogs(b, record(topicT0), record(topicT1))
	require.NoError(t, m.Tick(ctx))
	require.Len(t, r.notifications(), 2)

	logCalls := mem.Calls(ledger.OpFetchLogs)
	require.NoError(t, m.Tick(ctx))
	require.Len(t, r.notifications(), 2)
	require.Equal(t, logCalls, mem.Calls(ledger.OpFetchLogs))
}

func TestDispatchAppliesTopicFilter(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, t0Filter(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	b := mem.Mine(1)
	mem.AddLogs(b, record(topicT0, topicT1, topicT2), record(topicT1))
	require.NoError(t, m.Tick(ctx))

	got := r.notifications()
	require.Len(t, got, 1)
	require.Equal(t, []common.Hash{topicT0, topicT1, topicT2}, got[0].Log.Topics)
}

func TestUnsubscribeLastStopsPolling(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	token := mustSubscribe(t, m, filter.CatchAll(), nil, &r)
	require.Equal(t, Polling, m.State())

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Unsubscribe(token))
	require.Equal(t, Idle, m.State())

	b := mem.Mine(1)
	mem.AddLogs(b, record(topicT0))
	heads := mem.Calls(ledger.OpFetchHead)
	require.NoError(t, m.Tick(ctx))
	require.Equal(t, heads, mem.Calls(ledger.OpFetchHead))
	require.Empty(t, r.deliveries())

	err := m.Unsubscribe(token)
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestReorgReplacingWholeWindow(t *testing.T) {
	mem := ledger.NewMemory()
	genesis := mem.Genesis()
	b1 := mem.Mine(1)
	mem.AddLogs(b1, record(topicT0))

	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	b2 := mem.Mine(2)
	mem.AddLogs(b2, record(topicT0))
	require.NoError(t, m.Tick(ctx))

	b1x := mem.Extend(genesis, 7)
	b3 := mem.Extend(b1x, 7)
	mem.AddLogs(b1x, record(topicT1))
	mem.AddLogs(b3, record(topicT2))
	require.NoError(t, mem.SetHead(b3.Hash))
	require.NoError(t, m.Tick(ctx))

	got := r.notifications()
	require.Len(t, got, 6)
	type seen struct {
		block   common.Hash
		removed bool
	}
	var order []seen
	for _, n := range got[2:] {
		order = append(order, seen{n.Log.BlockHash, n.Removed})
	}
	require.Equal(t, []seen{
		{b2.Hash, true},
		{b1.Hash, true},
		{b1x.Hash, false},
		{b3.Hash, false},
	}, order)
}

func TestLogFetchFailureTerminatesSubscriptions(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var a, b recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &a)
	mustSubscribe(t, m, filter.Spec{Topics: []filter.TopicPattern{filter.Exactly(topicT2)}}, nil, &b)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))

	b1 := mem.Mine(1)
	mem.AddLogs(b1, record(topicT0))
	mem.Mine(2)
	// first block's logs succeed, second fails
	mem.FailNext(ledger.OpFetchLogs, nil)
	mem.FailNext(ledger.OpFetchLogs, ledger.Unavailable("fetch logs", errors.New("connection reset")))

	err := m.Tick(ctx)
	require.ErrorIs(t, err, ErrNodeUnavailable)

	require.Len(t, a.notifications(), 1)
	require.Len(t, a.errors(), 1)
	require.ErrorIs(t, a.errors()[0], ErrNodeUnavailable)
	require.Empty(t, b.notifications())
	require.Len(t, b.errors(), 1)

	require.Zero(t, m.Len())
	require.Equal(t, Idle, m.State())

	// a failed tick never retries
	heads := mem.Calls(ledger.OpFetchHead)
	require.NoError(t, m.Tick(ctx))
	require.Equal(t, heads, mem.Calls(ledger.OpFetchHead))
	require.Len(t, a.errors(), 1)
}

func TestHeadFetchFailure(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &r)

	mem.FailNext(ledger.OpFetchHead, ledger.Malformed("fetch head", errors.New("bad json")))
	err := m.Tick(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Len(t, r.errors(), 1)
	require.Equal(t, Idle, m.State())
}

func TestReorgBeyondWindowIsFatal(t *testing.T) {
	mem := ledger.NewMemory()
	genesis := mem.Genesis()
	m := newManager(t, mem, 2)
	var r recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))
	for i := 1; i <= 3; i++ {
		mem.Mine(byte(i))
		require.NoError(t, m.Tick(ctx))
	}

	// the fork point is genesis, below the parent of the oldest retained block
	x1 := mem.Extend(genesis, 5)
	x2 := mem.Extend(x1, 5)
	x3 := mem.Extend(x2, 5)
	require.NoError(t, mem.SetHead(x3.Hash))

	err := m.Tick(ctx)
	require.ErrorIs(t, err, ErrReorgWindowExceeded)
	require.Len(t, r.errors(), 1)
	require.Empty(t, r.notifications())
	require.Zero(t, m.Len())
}

func TestCatchUpBeyondDepthIsNotAReorg(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 4)
	var r recorder
	mustSubscribe(t, m, t0Filter(), nil, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))

	var mined []model.Block
	for i := 1; i <= 10; i++ {
		b := mem.Extend(mem.Head(), byte(i))
		mem.AddLogs(b, record(topicT0))
		require.NoError(t, mem.SetHead(b.Hash))
		mined = append(mined, b)
	}
	require.NoError(t, m.Tick(ctx))

	got := r.notifications()
	require.Len(t, got, len(mined))
	for i, n := range got {
		require.False(t, n.Removed)
		require.Equal(t, mined[i].Hash, n.Log.BlockHash)
	}
	require.Empty(t, r.errors())
	require.Equal(t, Polling, m.State())
}

func TestSubscribeFromCallbackStartsNextTick(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	ctx := context.Background()

	var a, b recorder
	var added bool
	a.hook = func(err error, n *Notification) {
		if n != nil && !added {
			added = true
			mustSubscribe(t, m, t0Filter(), nil, &b)
		}
	}
	mustSubscribe(t, m, t0Filter(), nil, &a)
	require.NoError(t, m.Tick(ctx))

	b1 := mem.Mine(1)
	mem.AddLogs(b1, record(topicT0), record(topicT0))
	require.NoError(t, m.Tick(ctx))

	require.Len(t, a.notifications(), 2)
	require.Empty(t, b.deliveries())
	require.Equal(t, 2, m.Len())

	b2 := mem.Mine(2)
	mem.AddLogs(b2, record(topicT0))
	require.NoError(t, m.Tick(ctx))

	got := b.notifications()
	require.Len(t, got, 1)
	require.Equal(t, b2.Hash, got[0].Log.BlockHash)
	require.Len(t, a.notifications(), 3)
}

func TestResubscribeAfterFailureStartsFreshView(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	ctx := context.Background()

	var second recorder
	var first recorder
	first.hook = func(err error, _ *Notification) {
		if err == nil {
			return
		}
		_, subErr := m.Subscribe(filter.CatchAll(), nil, second.callback)
		require.NoError(t, subErr)
	}
	mustSubscribe(t, m, filter.CatchAll(), nil, &first)
	require.NoError(t, m.Tick(ctx))

	mem.FailNext(ledger.OpFetchHead, ledger.Unavailable("fetch head", errors.New("timeout")))
	require.Error(t, m.Tick(ctx))
	require.Equal(t, Polling, m.State())
	require.Equal(t, 1, m.Len())

	b1 := mem.Mine(1)
	b2 := mem.Mine(2)
	mem.AddLogs(b1, record(topicT0))
	mem.AddLogs(b2, record(topicT1))
	blocks := mem.Calls(ledger.OpFetchBlock)
	require.NoError(t, m.Tick(ctx))

	// the reset view adopts the head alone, without walking back to b1
	got := second.notifications()
	require.Len(t, got, 1)
	require.Equal(t, b2.Hash, got[0].Log.BlockHash)
	require.Equal(t, blocks, mem.Calls(ledger.OpFetchBlock))
}

func TestUnsubscribeAllFromCallback(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	ctx := context.Background()

	var a, b recorder
	a.hook = func(err error, n *Notification) {
		if n != nil {
			m.UnsubscribeAll()
		}
	}
	mustSubscribe(t, m, filter.CatchAll(), nil, &a)
	mustSubscribe(t, m, filter.CatchAll(), nil, &b)
	require.NoError(t, m.Tick(ctx))

	blk := mem.Mine(1)
	mem.AddLogs(blk, record(topicT0), record(topicT1))
	require.NoError(t, m.Tick(ctx))

	require.Len(t, a.notifications(), 1)
	require.Empty(t, b.deliveries())
	require.Equal(t, Idle, m.State())
	require.Zero(t, m.Len())
}

func TestUnsubscribeSelfFromCallback(t *testing.T) {
	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	ctx := context.Background()

	var a, b recorder
	var tokenA string
	a.hook = func(err error, n *Notification) {
		if n != nil {
			require.NoError(t, m.Unsubscribe(tokenA))
		}
	}
	tokenA = mustSubscribe(t, m, filter.CatchAll(), nil, &a)
	mustSubscribe(t, m, filter.CatchAll(), nil, &b)
	require.NoError(t, m.Tick(ctx))

	blk := mem.Mine(1)
	mem.AddLogs(blk, record(topicT0), record(topicT1))
	require.NoError(t, m.Tick(ctx))

	require.Len(t, a.notifications(), 1)
	require.Len(t, b.notifications(), 2)
	require.Equal(t, Polling, m.State())
}

func TestDecodeFallsBackToRawRecord(t *testing.T) {
	iface, err := decoder.Builtin(decoder.ERC20)
	require.NoError(t, err)
	transfer, ok := iface.Topic0("Transfer")
	require.True(t, ok)

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	topics := []common.Hash{transfer, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())}

	mem := ledger.NewMemory()
	m := newManager(t, mem, 0)
	var r recorder
	mustSubscribe(t, m, filter.Spec{Topics: []filter.TopicPattern{filter.Exactly(transfer)}}, iface, &r)

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx))

	good := record(topics...)
	good.Data = common.LeftPadBytes(big.NewInt(1000).Bytes(), 32)
	short := record(topics...)
	short.Data = []byte{0x01}

	blk := mem.Mine(1)
	mem.AddLogs(blk, good, short)
	require.NoError(t, m.Tick(ctx))

	got := r.notifications()
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Decoded)
	require.Equal(t, "Transfer", got[0].Decoded.Name)
	value, ok := got[0].Decoded.Arg("value")
	require.True(t, ok)
	require.Equal(t, 0, value.Value.(*big.Int).Cmp(big.NewInt(1000)))

	require.Nil(t, got[1].Decoded)
	require.Equal(t, []byte{0x01}, got[1].Log.Data)
	require.Empty(t, r.errors())
}

func TestDefaultDecodersForBareSubscriptions(t *testing.T) {
	decoders, err := decoder.NewDefaultRegistry()
	require.NoError(t, err)
	iface, _ := decoders.Get(decoder.ERC20)
	approval, ok := iface.Topic0("Approval")
	require.True(t, ok)

	mem := ledger.NewMemory()
	m := New(mem, Config{Interval: time.Hour, Decoders: decoders})
	t.Cleanup(m.Close)
	var r recorder
	mustSubscribe(t, m, filter.CatchAll(), nil, &r)
	require.NoError(t, m.Tick(context.Background()))

	owner := common.BytesToHash(common.HexToAddress("0x01").Bytes())
	spender := common.BytesToHash(common.HexToAddress("0x02").Bytes())
	rec := record(approval, owner, spender)
	rec.Data = common.LeftPadBytes(big.NewInt(5).Bytes(), 32)
	blk := mem.Mine(1)
	mem.AddLogs(blk, rec, record(topicT0))
	require.NoError(t, m.Tick(context.Background()))

	got := r.notifications()
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Decoded)
	require.Equal(t, "Approval", got[0].Decoded.Name)
	require.Nil(t, got[1].Decoded)
}

func TestSubscribeValidation(t *testing.T) {
	m := newManager(t, ledger.NewMemory(), 0)
	_, err := m.Subscribe(filter.CatchAll(), nil, nil)
	require.ErrorIs(t, err, ErrNilCallback)

	tooMany := filter.Spec{Topics: make([]filter.TopicPattern, filter.MaxTopics+1)}
	_, err = m.Subscribe(tooMany, nil, func(error, *Notification) {})
	require.Error(t, err)
	require.Equal(t, Idle, m.State())
}

func TestLoopTicksOnTimer(t *testing.T) {
	mem := ledger.NewMemory()
	m := New(mem, Config{Interval: 10 * time.Millisecond})
	t.Cleanup(m.Close)

	got := make(chan *Notification, 4)
	_, err := m.Subscribe(filter.CatchAll(), nil, func(err error, n *Notification) {
		if n != nil {
			got <- n
		}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mem.Calls(ledger.OpFetchHead) > 0
	}, time.Second, 5*time.Millisecond)

	// logs go in before the head moves so any tick that sees blk sees them
	blk := mem.Extend(mem.Head(), 1)
	mem.AddLogs(blk, record(topicT0))
	require.NoError(t, mem.SetHead(blk.Hash))

	select {
	case n := <-got:
		require.Equal(t, blk.Hash, n.Log.BlockHash)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification from poll loop")
	}

	m.Close()
	require.Equal(t, Idle, m.State())
}
