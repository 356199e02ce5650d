package core

import (
	"sync"
	"time"

	"hybridindex/pkg/common"
	"hybridindex/pkg/core/learned"
	"hybridindex/pkg/core/structure"
	"hybridindex/pkg/search"
)

// StableStore is the read-optimized side. BulkLoad and Insert are never called
// concurrently with Lookup on the same instance; the coordinator guarantees
// that through role isolation.
type StableStore interface {
	// BulkLoad replaces all contents with records sorted by unique key.
	BulkLoad(sorted []common.Record) (time.Duration, error)
	Lookup(key common.KeyType) (common.ValueType, bool)
	// Insert upserts one record into an already built store.
	Insert(rec common.Record)
	RangeQuery(low, high common.KeyType) uint64
	Len() int
	SizeBytes() int
}

// LearnedStore is a StableStore backed by an RMI learned index with a bloom
// filter in front of it for negative lookups.
type LearnedStore struct {
	mu        sync.RWMutex
	index     *learned.LearnedIndex
	bloom     *structure.BloomFilter
	fanout    int
	maxError  int
	bloomProb float64
	strategy  search.Strategy
}

func NewLearnedStore(fanout, maxError int, strategy search.Strategy, bloomProb float64) *LearnedStore {
	return &LearnedStore{
		index:     learned.New(fanout, maxError, strategy),
		bloom:     structure.NewBloomFilter(0, bloomProb),
		fanout:    fanout,
		maxError:  maxError,
		bloomProb: bloomProb,
		strategy:  strategy,
	}
}

func (s *LearnedStore) BulkLoad(sorted []common.Record) (time.Duration, error) {
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Key >= sorted[i].Key {
			return 0, ErrUnsortedInput
		}
	}

	start := time.Now()
	data := make([]common.Record, len(sorted))
	copy(data, sorted)

	idx := learned.New(s.fanout, s.maxError, s.strategy)
	idx.Build(data)

	s.mu.Lock()
	s.index = idx
	s.bloom.Reset(uint(2 * len(data)))
	for _, r := range data {
		s.bloom.Add(r.Key)
	}
	s.mu.Unlock()

	return time.Since(start), nil
}

func (s *LearnedStore) Lookup(key common.KeyType) (common.ValueType, bool) {
	if !s.bloom.Contains(key) {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Get(key)
}

func (s *LearnedStore) Insert(rec common.Record) {
	s.bloom.Add(rec.Key)
	s.mu.Lock()
	s.index.Upsert(rec)
	s.mu.Unlock()
}

func (s *LearnedStore) RangeQuery(low, high common.KeyType) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.RangeCount(low, high)
}

func (s *LearnedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *LearnedStore) SizeBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.SizeBytes() + s.bloom.SizeBytes()
}

func (s *LearnedStore) Diagnostics() []learned.DiagnosticPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.ExportDiagnostics()
}

func (s *LearnedStore) BenchmarkLookup(iterations int) (float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.BenchmarkLookup(iterations)
}
