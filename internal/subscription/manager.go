// Package subscription runs the poll loop that reconciles the local chain
// view with a ledger node and fans matching event records out to subscribers.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"eventScope/internal/chainview"
	"eventScope/internal/decoder"
	"eventScope/internal/filter"
	"eventScope/internal/ledger"
	"eventScope/internal/metrics"
	"eventScope/internal/model"
	"eventScope/internal/registry"
)

const DefaultInterval = 4 * time.Second

var ErrNilCallback = errors.New("nil callback")

// Notification is one event record delivered to a subscriber. Decoded is nil
// when no interface matched the record or decoding failed.
type Notification struct {
	Log     model.EventRecord
	Decoded *model.DecodedEvent
	Removed bool
}

// Callback receives either a notification or a terminal error, never both.
// After an error the subscription no longer exists.
type Callback func(err error, n *Notification)

type State uint8

const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

type Config struct {
	Interval time.Duration
	Depth    int
	// Decoders is consulted for subscriptions registered without an interface.
	Decoders *decoder.Registry
	Logger   *zap.Logger
}

// Manager owns the chain view and the subscription registry of one ledger
// endpoint. At most one tick runs at any time.
type Manager struct {
	ledger   ledger.Ledger
	interval time.Duration
	decoders *decoder.Registry
	logger   *zap.Logger
	subs     *registry.Registry[Callback]

	// tickMu serializes tick bodies. view and viewGen are only touched with
	// tickMu held.
	tickMu  sync.Mutex
	view    *chainview.View
	viewGen uint64

	mu    sync.Mutex
	state State
	gen   uint64
	stop  chan struct{}
	done  chan struct{}
}

func New(l ledger.Ledger, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		ledger:   l,
		interval: cfg.Interval,
		decoders: cfg.Decoders,
		logger:   cfg.Logger,
		subs:     registry.New[Callback](),
		view:     chainview.New(cfg.Depth),
	}
}

// Subscribe registers a filter and starts polling if it is the first one.
// iface may be nil.
func (m *Manager) Subscribe(spec filter.Spec, iface *decoder.Interface, cb Callback) (string, error) {
	if cb == nil {
		return "", ErrNilCallback
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, n := m.subs.Add(spec, cb, iface)
	if m.state == Idle {
		m.startLocked()
	}
	metrics.SetActiveSubscriptions(n)
	m.logger.Debug("subscribed",
		zap.String("token", token),
		zap.Stringer("filter", spec),
		zap.Int("active", n),
	)
	return token, nil
}

// Unsubscribe removes one subscription. Removing the last one stops polling.
// It is safe to call from inside a callback.
func (m *Manager) Unsubscribe(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	emptied, err := m.subs.Remove(token)
	if err != nil {
		return err
	}
	if emptied && m.state == Polling {
		m.stopLocked()
	}
	metrics.SetActiveSubscriptions(m.subs.Len())
	m.logger.Debug("unsubscribed", zap.String("token", token))
	return nil
}

// UnsubscribeAll drops every subscription without invoking callbacks.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeAllLocked()
}

// Close unsubscribes everything and waits for the poll loop to exit. It must
// not be called from a callback.
func (m *Manager) Close() {
	m.mu.Lock()
	done := m.unsubscribeAllLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Len() int {
	return m.subs.Len()
}

// Tick runs one poll synchronously. It is a no-op while Idle. A failed tick
// notifies every subscriber once, clears the registry and returns the failure.
func (m *Manager) Tick(ctx context.Context) error {
	return m.tick(ctx, 0)
}

func (m *Manager) unsubscribeAllLocked() chan struct{} {
	removed := m.subs.RemoveAll()
	metrics.SetActiveSubscriptions(0)
	if len(removed) > 0 {
		m.logger.Debug("unsubscribed all", zap.Int("removed", len(removed)))
	}
	if m.state == Idle {
		return nil
	}
	return m.stopLocked()
}

func (m *Manager) startLocked() {
	m.state = Polling
	m.gen++
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.gen, m.stop, m.done)
	m.logger.Info("polling started",
		zap.Duration("interval", m.interval),
		zap.Int("depth", m.view.Depth()),
	)
}

// stopLocked moves to Idle. The loop goroutine may be inside a callback of
// the current goroutine, so it is signalled but not awaited.
func (m *Manager) stopLocked() chan struct{} {
	m.state = Idle
	close(m.stop)
	m.logger.Info("polling stopped")
	return m.done
}

func (m *Manager) loop(gen uint64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		if err := m.tick(ctx, gen); err != nil {
			m.logger.Warn("tick failed", zap.Error(err))
		}
		// Intervals that elapsed during the tick are dropped.
		timer.Reset(m.interval)
	}
}

// tick runs a poll for generation gen, or for whatever generation is current
// when gen is zero.
func (m *Manager) tick(ctx context.Context, gen uint64) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	gen, ok := m.begin(gen)
	if !ok {
		return nil
	}
	if gen != m.viewGen {
		m.view.Reset()
		m.viewGen = gen
	}

	if err := m.poll(ctx, gen); err != nil {
		metrics.TickFailed()
		m.fail(gen, err)
		return err
	}
	metrics.TickSucceeded()
	return nil
}

func (m *Manager) begin(gen uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		return 0, false
	}
	if gen != 0 && gen != m.gen {
		return 0, false
	}
	return m.gen, true
}

func (m *Manager) active(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Polling && m.gen == gen
}

func (m *Manager) poll(ctx context.Context, gen uint64) error {
	// Subscriptions registered from here on start with the next tick.
	cutoff := m.subs.Seq()

	head, err := m.ledger.FetchHead(ctx)
	if err != nil {
		return err
	}

	steps, err := m.view.Reconcile(ctx, head, m.ledger)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	retracted := 0
	for _, step := range steps {
		if step.Direction == chainview.Retract {
			retracted++
		}
	}
	if retracted > 0 {
		metrics.Reorg(retracted)
		m.logger.Info("reorg",
			zap.Int("retracted", retracted),
			zap.Int("adopted", len(steps)-retracted),
			zap.Uint64("head", head.Number),
			zap.Stringer("hash", head.Hash),
		)
	}
	metrics.SetHeadHeight(head.Number)

	for _, step := range steps {
		// A callback may have emptied the registry; the rest of the plan
		// belongs to a view that will be reset.
		if !m.active(gen) {
			return nil
		}
		records, err := m.ledger.FetchLogs(ctx, step.Block.Hash)
		if err != nil {
			return err
		}
		removed := step.Direction == chainview.Retract
		for _, rec := range records {
			rec.Removed = removed
			m.dispatch(rec, cutoff)
		}
	}
	return nil
}

// dispatch looks entries up one at a time so that subscriptions removed by an
// earlier callback are skipped. Entries newer than cutoff are skipped too.
func (m *Manager) dispatch(rec model.EventRecord, cutoff uint64) {
	for _, token := range m.subs.Tokens() {
		entry, ok := m.subs.Get(token)
		if !ok || entry.Seq > cutoff || !filter.Matches(rec, entry.Filter) {
			continue
		}
		entry.Callback(nil, &Notification{
			Log:     rec,
			Decoded: m.decode(entry, rec),
			Removed: rec.Removed,
		})
		metrics.Dispatched(rec.Removed)
	}
}

func (m *Manager) decode(entry *registry.Entry[Callback], rec model.EventRecord) *model.DecodedEvent {
	var (
		decoded *model.DecodedEvent
		err     error
	)
	switch {
	case entry.Interface != nil:
		decoded, err = decoder.Decode(entry.Interface, rec)
	case m.decoders != nil:
		decoded, err = m.decoders.Decode(rec)
	default:
		return nil
	}
	if err != nil {
		metrics.DecodeFailed()
		m.logger.Warn("decode failed, delivering raw record",
			zap.String("token", entry.Token),
			zap.Stringer("tx", rec.TxHash),
			zap.Uint("log_index", rec.LogIndex),
			zap.Error(err),
		)
		return nil
	}
	return decoded
}

// fail terminates generation gen: every live subscription is removed and
// then told about err exactly once.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.state == Idle || m.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("discarding failure of stopped generation", zap.Error(err))
		return
	}
	entries := m.subs.RemoveAll()
	m.stopLocked()
	m.mu.Unlock()

	metrics.SetActiveSubscriptions(0)
	m.logger.Error("tick failed, dropping subscriptions",
		zap.Int("subscriptions", len(entries)),
		zap.Error(err),
	)
	for _, entry := range entries {
		entry.Callback(err, nil)
	}
}
