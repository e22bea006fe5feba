package session

import (
	"fmt"
	"sync"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Reconciler keys records by a locally minted id and, once the server has
// assigned its own id, resolves either id to the same record.
type Reconciler[T any] struct {
	mu       sync.RWMutex
	records  map[string]T      // local id -> record
	toServer map[string]string // local id -> server id
	toLocal  map[string]string // server id -> local id
}

// NewReconciler creates an empty reconciler
func NewReconciler[T any]() *Reconciler[T] {
	return &Reconciler[T]{
		records:  make(map[string]T),
		toServer: make(map[string]string),
		toLocal:  make(map[string]string),
	}
}

// Put stores or replaces the record for localID
func (r *Reconciler[T]) Put(localID string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[localID] = v
}

// Bind links localID to serverID. Binding the same pair again is a no-op;
// binding either id to a different peer fails with ErrIdentityConflict.
func (r *Reconciler[T]) Bind(localID, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[localID]; !ok {
		return fmt.Errorf("bind %s: %w", localID, domain.ErrNotFound)
	}
	if cur, ok := r.toServer[localID]; ok {
		if cur == serverID {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s", domain.ErrIdentityConflict, localID, cur)
	}
	if cur, ok := r.toLocal[serverID]; ok && cur != localID {
		return fmt.Errorf("%w: %s is bound to %s", domain.ErrIdentityConflict, serverID, cur)
	}

	r.toServer[localID] = serverID
	r.toLocal[serverID] = localID
	return nil
}

// Canonical resolves id, local or server, to the local id
func (r *Reconciler[T]) Canonical(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonical(id)
}

func (r *Reconciler[T]) canonical(id string) (string, bool) {
	if _, ok := r.records[id]; ok {
		return id, true
	}
	if local, ok := r.toLocal[id]; ok {
		return local, true
	}
	return "", false
}

// ServerID returns the server id bound to id, if any
func (r *Reconciler[T]) ServerID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, ok := r.canonical(id)
	if !ok {
		return "", false
	}
	s, ok := r.toServer[local]
	return s, ok
}

// Lookup finds a record by either id
func (r *Reconciler[T]) Lookup(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	local, ok := r.canonical(id)
	if !ok {
		return zero, false
	}
	return r.records[local], true
}

// Update replaces the record found by either id with fn's result
func (r *Reconciler[T]) Update(id string, fn func(T) T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.canonical(id)
	if !ok {
		return false
	}
	r.records[local] = fn(r.records[local])
	return true
}

// Remove deletes the record and both of its ids
func (r *Reconciler[T]) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.canonical(id)
	if !ok {
		return
	}
	if server, ok := r.toServer[local]; ok {
		delete(r.toLocal, server)
	}
	delete(r.toServer, local)
	delete(r.records, local)
}

// Len returns the number of records
func (r *Reconciler[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Range calls fn for every record until fn returns false
func (r *Reconciler[T]) Range(fn func(localID string, v T) bool) {
	r.mu.RLock()
	snapshot := make(map[string]T, len(r.records))
	for k, v := range r.records {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}
