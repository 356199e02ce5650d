package core

import (
	"hybridindex/pkg/common"
	"hybridindex/pkg/core/memory"
)

// WriteBuffer absorbs inserts cheaply. Implementations must be safe for
// concurrent Insert and Lookup.
type WriteBuffer interface {
	Insert(rec common.Record)
	Lookup(key common.KeyType) (common.ValueType, bool)
	// RangeQuery counts keys in [low, high].
	RangeQuery(low, high common.KeyType) uint64
	// Scan visits keys in [low, high] in ascending order until fn returns false.
	Scan(low, high common.KeyType, fn func(key common.KeyType, val common.ValueType) bool)
	// Drain returns every held record in ascending key order without clearing.
	Drain() []common.Record
	Clear()
	Len() int
	SizeBytes() int
}

type memTableBuffer struct {
	mt *memory.MemTable
}

// NewMemTableBuffer returns a WriteBuffer backed by a btree memtable.
func NewMemTableBuffer(degree int) WriteBuffer {
	return &memTableBuffer{mt: memory.NewMemTable(degree)}
}

func (b *memTableBuffer) Insert(rec common.Record) {
	b.mt.Put(rec.Key, rec.Value)
}

func (b *memTableBuffer) Lookup(key common.KeyType) (common.ValueType, bool) {
	return b.mt.Get(key)
}

func (b *memTableBuffer) RangeQuery(low, high common.KeyType) uint64 {
	return b.mt.RangeCount(low, high)
}

func (b *memTableBuffer) Scan(low, high common.KeyType, fn func(common.KeyType, common.ValueType) bool) {
	b.mt.Scan(low, high, fn)
}

func (b *memTableBuffer) Drain() []common.Record {
	return b.mt.Drain()
}

func (b *memTableBuffer) Clear() {
	b.mt.Clear()
}

func (b *memTableBuffer) Len() int {
	return b.mt.Count()
}

func (b *memTableBuffer) SizeBytes() int {
	return b.mt.SizeBytes()
}
