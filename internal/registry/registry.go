// Package registry tracks in-flight invocations by key so they can be aborted
// from a different request than the one that started them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrSessionBusy is returned when a key already has a live invocation.
	ErrSessionBusy = errors.New("session already has an invocation in flight")
	// ErrNotRegistered is returned by Rekey when the old key does not map to
	// the given handle.
	ErrNotRegistered = errors.New("invocation not registered under key")
)

// Handle is a running invocation that can be asked to stop.
type Handle interface {
	Terminate() error
}

// Registry maps session ids (or synthetic pending keys) to live invocations.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Handle
}

func New() *Registry {
	return &Registry{entries: make(map[string]Handle)}
}

// Insert registers h under key. At most one invocation may be live per key.
func (r *Registry) Insert(key string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	r.entries[key] = h
	return nil
}

func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[key]
	return h, ok
}

// Remove deletes key only while it still maps to h, so a finished invocation
// never evicts a newer one that reused the key.
func (r *Registry) Remove(key string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[key]; ok && cur == h {
		delete(r.entries, key)
		return true
	}
	return false
}

// Rekey moves h from oldKey to newKey atomically.
func (r *Registry) Rekey(oldKey, newKey string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[oldKey]; !ok || cur != h {
		return fmt.Errorf("%w: %s", ErrNotRegistered, oldKey)
	}
	if oldKey == newKey {
		return nil
	}
	if _, ok := r.entries[newKey]; ok {
		return fmt.Errorf("%w: %s", ErrSessionBusy, newKey)
	}
	delete(r.entries, oldKey)
	r.entries[newKey] = h
	return nil
}

// Abort removes the entry for key and terminates its invocation. It reports
// whether an entry existed. Termination does not wait for the process to
// exit; the invocation's own exit path finishes cleanup.
func (r *Registry) Abort(key string) bool {
	r.mu.Lock()
	h, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := h.Terminate(); err != nil {
		slog.Warn("Failed to terminate invocation", "key", key, "error", err)
	}
	slog.Info("Invocation aborted", "key", key)
	return true
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
