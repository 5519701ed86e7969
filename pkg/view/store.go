package view

import (
	"slices"
	"sync"

	"github.com/l7mp/dflow/pkg/dataflow"
)

// StoreType is the backend of a view.
type StoreType int

const (
	StoreTypeUnknown StoreType = iota
	StoreTypeMemory
	StoreTypeBadger
)

// NewStoreType parses a store type name, returning StoreTypeUnknown for unknown names.
func NewStoreType(s string) StoreType {
	switch s {
	case "memory":
		return StoreTypeMemory
	case "badger":
		return StoreTypeBadger
	default:
		return StoreTypeUnknown
	}
}

// String returns the name of the store type.
func (t StoreType) String() string {
	switch t {
	case StoreTypeMemory:
		return "memory"
	case StoreTypeBadger:
		return "badger"
	default:
		return "<unknown>"
	}
}

// Record is the stored multiplicity of a tuple.
type Record struct {
	A     uint64 `msgpack:"a"`
	B     uint64 `msgpack:"b"`
	Count int    `msgpack:"count"`
}

// Tuple returns the tuple of the record.
func (r Record) Tuple() dataflow.Tuple { return dataflow.Tuple{A: r.A, B: r.B} }

// Store keeps the finalized contents of a view.
type Store interface {
	// Commit adds the changes to the stored counts and then records the new frontier. Tuples
	// whose count drops to zero are removed.
	Commit(frontier uint64, changes map[dataflow.Tuple]int) error
	// Get returns the count of a tuple, zero if the tuple is not stored.
	Get(t dataflow.Tuple) (int, error)
	// List returns all records in tuple order.
	List() ([]Record, error)
	// Frontier returns the frontier recorded by the last commit.
	Frontier() (uint64, error)
	Close() error
}

// MemoryStore is a Store kept in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	counts   map[dataflow.Tuple]int
	frontier uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[dataflow.Tuple]int)}
}

// Commit implements Store.
func (s *MemoryStore) Commit(frontier uint64, changes map[dataflow.Tuple]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, diff := range changes {
		s.counts[t] += diff
		if s.counts[t] == 0 {
			delete(s.counts, t)
		}
	}
	s.frontier = frontier
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(t dataflow.Tuple) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[t], nil
}

// List implements Store. The records are sorted by tuple.
func (s *MemoryStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]Record, 0, len(s.counts))
	for t, c := range s.counts {
		ret = append(ret, Record{A: t.A, B: t.B, Count: c})
	}
	slices.SortFunc(ret, func(a, b Record) int { return a.Tuple().Compare(b.Tuple()) })
	return ret, nil
}

// Frontier implements Store.
func (s *MemoryStore) Frontier() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frontier, nil
}

// Close implements Store. It is a no-op.
func (s *MemoryStore) Close() error { return nil }
