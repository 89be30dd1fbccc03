// Package registry holds active subscriptions keyed by opaque tokens.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"eventScope/internal/decoder"
	"eventScope/internal/filter"
)

// ErrSubscriptionNotFound is returned when a token is not registered.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Entry is a registered subscription. Callback has the caller's type; the
// registry never invokes it.
type Entry[C any] struct {
	Token     string
	Seq       uint64 // registration order, from 1
	Filter    filter.Spec
	Interface *decoder.Interface
	Callback  C
}

// Registry is safe for concurrent use. Iteration order is insertion order.
type Registry[C any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[C]
	order   []string
	seq     uint64
	newID   func() string
}

func New[C any]() *Registry[C] {
	return &Registry[C]{
		entries: make(map[string]*Entry[C]),
		newID:   func() string { return uuid.NewString() },
	}
}

// Add registers a subscription and returns its fresh token along with the
// registry size after insertion.
func (r *Registry[C]) Add(spec filter.Spec, callback C, iface *decoder.Interface) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.newID()
	for {
		if _, taken := r.entries[token]; !taken {
			break
		}
		token = r.newID()
	}

	r.seq++
	r.entries[token] = &Entry[C]{
		Token:     token,
		Seq:       r.seq,
		Filter:    spec,
		Interface: iface,
		Callback:  callback,
	}
	r.order = append(r.order, token)
	return token, len(r.entries)
}

// Remove deletes a subscription. The returned flag is true when the registry
// became empty, which tells the owner to stop polling.
func (r *Registry[C]) Remove(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[token]; !ok {
		return false, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, token)
	}
	delete(r.entries, token)
	for i, t := range r.order {
		if t == token {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return len(r.entries) == 0, nil
}

// RemoveAll deletes every subscription and returns the removed entries in
// insertion order. It never invokes callbacks.
func (r *Registry[C]) RemoveAll() []*Entry[C] {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*Entry[C], 0, len(r.order))
	for _, token := range r.order {
		removed = append(removed, r.entries[token])
	}
	r.entries = make(map[string]*Entry[C])
	r.order = nil
	return removed
}

// Get returns the live entry for token.
func (r *Registry[C]) Get(token string) (*Entry[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	return e, ok
}

// Tokens returns the current tokens in insertion order.
func (r *Registry[C]) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Seq returns the sequence number of the latest registration. Entries with a
// greater Seq were added afterwards.
func (r *Registry[C]) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
