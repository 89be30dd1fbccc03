package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"eventScope/internal/model"
)

// Registry holds named contract interfaces.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Interface
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Interface)}
}

// NewDefaultRegistry returns a registry preloaded with the built-in interfaces.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, name := range BuiltinNames() {
		iface, err := Builtin(name)
		if err != nil {
			return nil, err
		}
		if err := r.Register(iface); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an interface. Names are case-insensitive and must be unique.
func (r *Registry) Register(iface *Interface) error {
	if iface == nil {
		return fmt.Errorf("interface is nil")
	}
	key := normalizeName(iface.Name())
	if key == "" {
		return fmt.Errorf("interface name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[key]; ok {
		return fmt.Errorf("interface already registered: %s", iface.Name())
	}
	r.byName[key] = iface
	r.order = append(r.order, key)
	return nil
}

// LoadFile registers the ABI stored at path under name. Both plain ABI arrays
// and build artifacts carrying an "abi" field are accepted.
func (r *Registry) LoadFile(name, path string) (*Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", path, err)
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact %s has no abi field", path)
		}
		data = artifact.ABI
	}

	iface, err := NewInterface(name, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := r.Register(iface); err != nil {
		return nil, err
	}
	return iface, nil
}

// Get returns an interface by name.
func (r *Registry) Get(name string) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iface, ok := r.byName[normalizeName(name)]
	return iface, ok
}

// Names lists registered interfaces in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byName[key].Name())
	}
	return out
}

// CanDecode reports whether any interface knows the signature topic.
func (r *Registry) CanDecode(topic0 common.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		if _, ok := r.byName[key].Event(topic0); ok {
			return true
		}
	}
	return false
}

// Decode tries every interface in registration order and returns the first
// whose event signature and topic layout match. (nil, nil) means undecoded.
func (r *Registry) Decode(rec model.EventRecord) (*model.DecodedEvent, error) {
	r.mu.RLock()
	candidates := make([]*Interface, 0, len(r.order))
	for _, key := range r.order {
		candidates = append(candidates, r.byName[key])
	}
	r.mu.RUnlock()

	for _, iface := range candidates {
		if !iface.CanDecode(rec) {
			continue
		}
		return iface.Decode(rec)
	}
	return nil, nil
}
