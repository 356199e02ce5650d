package core

import (
	"time"

	"hybridindex/pkg/common"
)

// Index is the surface a benchmark harness drives. Lookups report absence with
// common.NotFound.
type Index interface {
	Build(data []common.Record, numWorkers int) (time.Duration, error)
	Insert(rec common.Record, workerID uint32)
	EqualityLookup(key common.KeyType, workerID uint32) common.ValueType
	RangeQuery(low, high common.KeyType, workerID uint32) uint64
	Size() int
	Name() string
	Variants() []string
	Applicable(unique, rangeQuery, insert, multithread bool) bool
}

var _ Index = (*HybridIndex)(nil)
