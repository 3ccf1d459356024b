package engine

import (
	"context"
	"sync"
)

// DelegateFunc is an in-process command implementation. Delegate commands
// persist only a name; the function itself is registered here at startup.
type DelegateFunc func(ctx context.Context) error

// DelegateRegistry maps delegate names to functions. Registration happens
// during wiring, before the engine starts taking work.
type DelegateRegistry struct {
	mu        sync.RWMutex
	delegates map[string]DelegateFunc
}

func NewDelegateRegistry() *DelegateRegistry {
	return &DelegateRegistry{delegates: make(map[string]DelegateFunc)}
}

func (r *DelegateRegistry) Register(name string, fn DelegateFunc) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[name] = fn
}

func (r *DelegateRegistry) Get(name string) (DelegateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.delegates[name]
	return fn, ok
}
