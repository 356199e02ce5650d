package memory

import (
	"hybridindex/pkg/common"
	"sync"

	"github.com/google/btree"
)

type Item struct {
	Key common.KeyType
	Val common.ValueType
}

func itemLess(a, b Item) bool {
	return a.Key < b.Key
}

// 每个条目 key + value 各 8 字节，外加 btree 节点中的指针开销估算
const itemBytes = 8 + 8 + 8

type MemTable struct {
	tree   *btree.BTreeG[Item]
	lock   sync.RWMutex
	degree int
}

func NewMemTable(degree int) *MemTable {
	if degree < 2 {
		degree = 2
	}
	return &MemTable{
		tree:   btree.NewG[Item](degree, itemLess),
		degree: degree,
	}
}

// Put inserts or replaces the value stored under key.
func (mt *MemTable) Put(key common.KeyType, val common.ValueType) {
	mt.lock.Lock()
	defer mt.lock.Unlock()

	mt.tree.ReplaceOrInsert(Item{Key: key, Val: val})
}

func (mt *MemTable) Get(key common.KeyType) (common.ValueType, bool) {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	res, ok := mt.tree.Get(Item{Key: key})
	if !ok {
		return 0, false
	}
	return res.Val, true
}

// RangeCount returns the number of keys in [low, high].
func (mt *MemTable) RangeCount(low, high common.KeyType) uint64 {
	if low > high {
		return 0
	}
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	var n uint64
	mt.tree.AscendGreaterOrEqual(Item{Key: low}, func(i Item) bool {
		if i.Key > high {
			return false
		}
		n++
		return true
	})
	return n
}

// Scan calls fn for every item in [low, high] in ascending order until fn returns false.
func (mt *MemTable) Scan(low, high common.KeyType, fn func(key common.KeyType, val common.ValueType) bool) {
	if low > high {
		return
	}
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	mt.tree.AscendGreaterOrEqual(Item{Key: low}, func(i Item) bool {
		if i.Key > high {
			return false
		}
		return fn(i.Key, i.Val)
	})
}

// Drain returns a sorted snapshot of every record. The table is left untouched.
func (mt *MemTable) Drain() []common.Record {
	mt.lock.RLock()
	defer mt.lock.RUnlock()

	out := make([]common.Record, 0, mt.tree.Len())
	mt.tree.Ascend(func(i Item) bool {
		out = append(out, common.Record{Key: i.Key, Value: i.Val})
		return true
	})
	return out
}

// Clear drops all items by swapping in a fresh tree.
func (mt *MemTable) Clear() {
	mt.lock.Lock()
	defer mt.lock.Unlock()

	mt.tree = btree.NewG[Item](mt.degree, itemLess)
}

func (mt *MemTable) Count() int {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	return mt.tree.Len()
}

func (mt *MemTable) SizeBytes() int {
	return mt.Count() * itemBytes
}
