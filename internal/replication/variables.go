package replication

import "sort"

// VarKey addresses one slot in an object's variable store. Keys are unique
// within one object.
type VarKey uint8

// VariableStore is the typed key/value state replicated alongside one object.
// It tracks which keys changed since the last dispatch so the dispatcher can
// assemble minimal per-tick batches. All mutation happens under the owning
// directory's lock.
type VariableStore struct {
	values  map[VarKey]Value
	dirty   map[VarKey]struct{}
	removed map[VarKey]struct{}
}

func newVariableStore() *VariableStore {
	return &VariableStore{
		values:  make(map[VarKey]Value),
		dirty:   make(map[VarKey]struct{}),
		removed: make(map[VarKey]struct{}),
	}
}

// value returns the stored value for key.
func (s *VariableStore) value(key VarKey) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// set stores a value and reports whether anything changed. Writing the value
// already present is a no-op and does not mark the key dirty.
func (s *VariableStore) set(key VarKey, v Value) bool {
	if existing, ok := s.values[key]; ok && existing.Equal(v) {
		return false
	}
	s.values[key] = v
	s.dirty[key] = struct{}{}
	delete(s.removed, key)
	return true
}

// remove drops a key and reports whether it existed.
func (s *VariableStore) remove(key VarKey) bool {
	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	delete(s.dirty, key)
	s.removed[key] = struct{}{}
	return true
}

// applyRemote mirrors a delta produced by the remote owner. Mirror writes do
// not mark keys dirty; they were already dispatched on the owning side.
func (s *VariableStore) applyRemote(changed map[VarKey]Value, removed []VarKey) {
	for key, v := range changed {
		s.values[key] = v
	}
	for _, key := range removed {
		delete(s.values, key)
	}
}

func (s *VariableStore) hasDirty() bool {
	return len(s.dirty) > 0 || len(s.removed) > 0
}

// fillBatch copies the pending deltas into batch and clears the dirty sets.
func (s *VariableStore) fillBatch(batch *ChangeBatch) {
	for key := range s.dirty {
		batch.Changed[key] = s.values[key]
	}
	for key := range s.removed {
		batch.Removed[key] = struct{}{}
	}
	clear(s.dirty)
	clear(s.removed)
}

// snapshot copies the full store, used for join-time object snapshots.
func (s *VariableStore) snapshot() map[VarKey]Value {
	if len(s.values) == 0 {
		return nil
	}
	out := make(map[VarKey]Value, len(s.values))
	for key, v := range s.values {
		out[key] = v
	}
	return out
}

// keys returns the stored keys in ascending order.
func (s *VariableStore) keys() []VarKey {
	out := make([]VarKey, 0, len(s.values))
	for key := range s.values {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// clearAll empties the store at disposal time.
func (s *VariableStore) clearAll() {
	clear(s.values)
	clear(s.dirty)
	clear(s.removed)
}

func (s *VariableStore) len() int {
	return len(s.values)
}
