package core

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hybridindex/pkg/common"
	"hybridindex/pkg/config"
	"hybridindex/pkg/core/learned"
	"hybridindex/pkg/monitor"
	"hybridindex/pkg/search"
)

// HybridIndex pairs a write-optimized btree buffer with a read-optimized learned
// index. Inserts land in the buffer; a flush merges the buffer into the stable
// index without blocking lookups.
type HybridIndex struct {
	cfg      config.Config
	coord    *FlushCoordinator
	strategy search.Strategy
	stats    *monitor.WorkloadStats
	metrics  *monitor.Metrics
	logger   logrus.FieldLogger
	closed   atomic.Bool

	newBuffer func() WriteBuffer
	newStore  func() StableStore
}

type Option func(*HybridIndex)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *HybridIndex) {
		h.logger = logger
	}
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(h *HybridIndex) {
		h.metrics = m
	}
}

// WithBufferFactory replaces the btree write buffer implementation.
func WithBufferFactory(fn func() WriteBuffer) Option {
	return func(h *HybridIndex) {
		h.newBuffer = fn
	}
}

// WithStoreFactory replaces the learned stable store implementation.
func WithStoreFactory(fn func() StableStore) Option {
	return func(h *HybridIndex) {
		h.newStore = fn
	}
}

func NewHybridIndex(cfg *config.Config, opts ...Option) (*HybridIndex, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := search.ByName(cfg.Stable.Search)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	h := &HybridIndex{
		cfg:      *cfg,
		strategy: strategy,
		stats:    monitor.NewWorkloadStats(),
	}
	h.newBuffer = func() WriteBuffer {
		return NewMemTableBuffer(h.cfg.Buffer.Degree)
	}
	h.newStore = func() StableStore {
		return NewLearnedStore(h.cfg.Stable.Fanout, h.cfg.Stable.MaxError, h.strategy, h.cfg.Stable.BloomFalseProb)
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		h.logger = l
	}

	buffers := [2]WriteBuffer{h.newBuffer(), h.newBuffer()}
	stores := [2]StableStore{h.newStore(), h.newStore()}
	h.coord = newFlushCoordinator(buffers, stores, h.cfg.Index, h.logger, h.stats, h.metrics)
	h.coord.start()

	return h, nil
}

// Build bulk-loads the stable index from data, which need not be sorted, and
// empties the write buffers. Any in-flight flush is cancelled first. Build also
// makes a closed index usable again. Values must not equal common.NotFound.
func (h *HybridIndex) Build(data []common.Record, numWorkers int) (time.Duration, error) {
	h.coord.stop()

	took, err := h.coord.reset(data, numWorkers)
	if err != nil {
		return took, err
	}
	h.closed.Store(false)
	h.coord.start()

	h.logger.WithField("action", "hybrid_build").
		WithField("records", len(data)).
		WithField("took", took).
		Info("stable index built")
	return took, nil
}

// Insert adds rec to the active write buffer. rec.Value must not be
// common.NotFound: lookups could not tell it apart from a missing key.
func (h *HybridIndex) Insert(rec common.Record, workerID uint32) {
	h.stats.RecordWrite()
	h.metrics.Op("insert", "ok")
	h.coord.insert(rec)
}

// Get returns the freshest value stored under key.
func (h *HybridIndex) Get(key common.KeyType) (common.ValueType, bool) {
	h.stats.RecordRead()
	v, ok := h.coord.lookup(key)
	if ok {
		h.stats.RecordHit()
		h.metrics.Op("lookup", "hit")
	} else {
		h.metrics.Op("lookup", "miss")
	}
	return v, ok
}

// EqualityLookup is Get with absence reported as common.NotFound.
func (h *HybridIndex) EqualityLookup(key common.KeyType, workerID uint32) common.ValueType {
	if v, ok := h.Get(key); ok {
		return v
	}
	return common.NotFound
}

// RangeQuery counts keys in [low, high]. Unless merged range queries are
// enabled only buffered keys are counted; flushed data is not included.
func (h *HybridIndex) RangeQuery(low, high common.KeyType, workerID uint32) uint64 {
	h.stats.RecordRange()
	h.metrics.Op("range", "ok")
	return h.coord.rangeCount(low, high, h.cfg.Index.MergedRangeQuery)
}

// Size is the footprint in bytes of both buffers and both stores.
func (h *HybridIndex) Size() int {
	return h.coord.sizeBytes()
}

func (h *HybridIndex) Name() string {
	return "HybridBTreeRMI"
}

func (h *HybridIndex) Variants() []string {
	mode := "sync"
	if h.cfg.Index.Async {
		mode = "async"
	}
	return []string{
		h.strategy.Name(),
		strconv.Itoa(h.cfg.Stable.Fanout),
		strconv.Itoa(h.cfg.Stable.MaxError),
		strconv.Itoa(h.cfg.Index.MinFlushSize),
		strconv.Itoa(h.cfg.Index.MaxFlushSize),
		strconv.FormatFloat(h.cfg.Index.BufferRatio, 'g', -1, 64),
		mode,
	}
}

// Applicable requires unique keys. Sync mode flushes on the inserting
// goroutine and is only offered for single-threaded workloads.
func (h *HybridIndex) Applicable(unique, rangeQuery, insert, multithread bool) bool {
	if !unique {
		return false
	}
	return h.cfg.Index.Async || !multithread
}

// WaitIdle blocks until no flush is pending or in flight.
func (h *HybridIndex) WaitIdle(ctx context.Context) error {
	return h.coord.waitIdle(ctx)
}

// Flush forces a flush of the active buffer regardless of thresholds and waits
// for it to finish.
func (h *HybridIndex) Flush(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.coord.activeLen() == 0 {
		return nil
	}
	return h.coord.forceFlush(ctx)
}

func (h *HybridIndex) State() FlushState {
	return h.coord.State()
}

// BufferedLen is the number of records in the active write buffer.
func (h *HybridIndex) BufferedLen() int {
	return h.coord.activeLen()
}

type Stats struct {
	Name                string   `json:"name"`
	Variants            []string `json:"variants"`
	State               string   `json:"state"`
	ActiveBuffered      int      `json:"active_buffered"`
	RetiringBuffered    int      `json:"retiring_buffered"`
	StableRecords       int      `json:"stable_records"`
	SizeBytes           int      `json:"size_bytes"`
	Flushes             uint64   `json:"flushes"`
	CancelledFlushes    uint64   `json:"cancelled_flushes"`
	MaxConcurrentDrains int64    `json:"max_concurrent_drains"`
	Reads               uint64   `json:"reads"`
	Writes              uint64   `json:"writes"`
	Hits                uint64   `json:"hits"`
	RangeQueries        uint64   `json:"range_queries"`
	ReadWriteRatio      float64  `json:"rw_ratio"`
}

func (h *HybridIndex) Stats() Stats {
	s := Stats{
		Name:                h.Name(),
		Variants:            h.Variants(),
		State:               h.State().String(),
		SizeBytes:           h.Size(),
		Flushes:             h.stats.Flushes(),
		CancelledFlushes:    h.stats.Cancelled(),
		MaxConcurrentDrains: h.stats.MaxConcurrentDrains(),
		Reads:               atomic.LoadUint64(&h.stats.ReadCount),
		Writes:              atomic.LoadUint64(&h.stats.WriteCount),
		Hits:                atomic.LoadUint64(&h.stats.HitCount),
		RangeQueries:        atomic.LoadUint64(&h.stats.RangeCount),
		ReadWriteRatio:      h.stats.GetReadWriteRatio(),
	}
	h.coord.mu.RLock()
	r := h.coord.roles()
	s.ActiveBuffered = h.coord.buffers[r.active()].Len()
	if idx, ok := r.retiring(); ok {
		s.RetiringBuffered = h.coord.buffers[idx].Len()
	}
	s.StableRecords = h.coord.stores[r.serving()].Len()
	h.coord.mu.RUnlock()
	return s
}

// Diagnostics samples model predictions of the serving store. It returns nil
// when the store is not a learned index.
func (h *HybridIndex) Diagnostics() []learned.DiagnosticPoint {
	var points []learned.DiagnosticPoint
	h.coord.withServing(func(s StableStore) {
		if ls, ok := s.(*LearnedStore); ok {
			points = ls.Diagnostics()
		}
	})
	return points
}

// BenchmarkLookup compares binary search with the learned lookup on the
// serving store, in ns/op.
func (h *HybridIndex) BenchmarkLookup(iterations int) (float64, float64, error) {
	var bin, rmi float64
	var err error
	h.coord.withServing(func(s StableStore) {
		ls, ok := s.(*LearnedStore)
		if !ok {
			err = fmt.Errorf("serving store %T is not a learned index", s)
			return
		}
		if ls.Len() == 0 {
			err = fmt.Errorf("no data")
			return
		}
		bin, rmi = ls.BenchmarkLookup(iterations)
	})
	return bin, rmi, err
}

// Close stops the flush worker, cancelling an in-flight drain. Lookups keep
// working on the data already held; a Build is required before further flushes.
func (h *HybridIndex) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.coord.stop()
	h.logger.WithField("action", "hybrid_close").Info("flush coordinator stopped")
	return nil
}
