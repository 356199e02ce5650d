package structure

import (
	"encoding/binary"
	"hybridindex/pkg/common"
	"sync"

	"github.com/willf/bloom"
)

// 容量下限，避免空数据集构建出过小的过滤器
const minBloomCapacity = 1024

type BloomFilter struct {
	filter *bloom.BloomFilter
	p      float64
	count  uint
	lock   sync.RWMutex
}

func NewBloomFilter(n uint, p float64) *BloomFilter {
	if n < minBloomCapacity {
		n = minBloomCapacity
	}
	return &BloomFilter{
		filter: bloom.NewWithEstimates(n, p),
		p:      p,
	}
}

func keyBytes(key common.KeyType) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return buf[:]
}

func (bf *BloomFilter) Add(key common.KeyType) {
	bf.lock.Lock()
	defer bf.lock.Unlock()

	bf.filter.Add(keyBytes(key))
	bf.count++
}

func (bf *BloomFilter) Contains(key common.KeyType) bool {
	bf.lock.RLock()
	defer bf.lock.RUnlock()

	return bf.filter.Test(keyBytes(key))
}

// Reset drops every key and resizes the filter for n expected keys.
func (bf *BloomFilter) Reset(n uint) {
	if n < minBloomCapacity {
		n = minBloomCapacity
	}
	bf.lock.Lock()
	defer bf.lock.Unlock()

	bf.filter = bloom.NewWithEstimates(n, bf.p)
	bf.count = 0
}

func (bf *BloomFilter) SizeBytes() int {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return int(bf.filter.Cap() / 8)
}

func (bf *BloomFilter) Stats() map[string]interface{} {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return map[string]interface{}{
		"bloom_bits_size": bf.filter.Cap(),
		"bloom_hashes":    bf.filter.K(),
		"bloom_count":     bf.count,
	}
}
