package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hybridindex/pkg/common"
	"hybridindex/pkg/config"
	"hybridindex/pkg/monitor"
)

// FlushState is the state of the flush state machine: Idle -> Draining -> Swapping -> Idle.
type FlushState int32

const (
	Idle FlushState = iota
	Draining
	Swapping
)

func (s FlushState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Swapping:
		return "swapping"
	}
	return fmt.Sprintf("FlushState(%d)", int32(s))
}

// roles packs the role assignment of the two buffers and two stores into one word.
//
//	bit 0: index of the active write buffer
//	bit 1: index of the serving stable store
//	bit 2: the other buffer is retiring (being drained)
type roles uint32

const (
	activeBit   roles = 1 << 0
	servingBit  roles = 1 << 1
	retiringBit roles = 1 << 2
)

func (r roles) active() int  { return int(r & activeBit) }
func (r roles) serving() int { return int(r&servingBit) >> 1 }
func (r roles) standby() int { return 1 - r.serving() }

func (r roles) retiring() (int, bool) {
	if r&retiringBit == 0 {
		return 0, false
	}
	return 1 - r.active(), true
}

func makeRoles(active, serving int, retiring bool) roles {
	r := roles(active) | roles(serving)<<1
	if retiring {
		r |= retiringBit
	}
	return r
}

// FlushCoordinator owns two write buffers and two stable stores and moves
// records from the retiring buffer into the standby store in the background.
//
// Foreground calls hold mu shared for their whole duration. Role changes
// (the buffer handoff when a drain starts, and the store swap when it ends)
// take mu exclusively and only flip bits in the role word.
type FlushCoordinator struct {
	buffers [2]WriteBuffer
	stores  [2]StableStore

	mu    sync.RWMutex
	role  atomic.Uint32
	state atomic.Int32
	total atomic.Uint64

	// populating is the store currently written by a drain, or -1.
	populating   atomic.Int32
	inconsistent [2]atomic.Bool

	// lag is the last drained batch, which the standby store has not seen yet.
	// Only the flush path touches it.
	lag []common.Record

	policy config.IndexConfig

	ctx     context.Context
	cancel  context.CancelFunc
	signal  chan struct{}
	wg      sync.WaitGroup
	inline  sync.Mutex
	running atomic.Bool

	idleMu sync.Mutex
	idleCh chan struct{}

	logger  logrus.FieldLogger
	stats   *monitor.WorkloadStats
	metrics *monitor.Metrics
}

func newFlushCoordinator(buffers [2]WriteBuffer, stores [2]StableStore, policy config.IndexConfig,
	logger logrus.FieldLogger, stats *monitor.WorkloadStats, metrics *monitor.Metrics,
) *FlushCoordinator {
	c := &FlushCoordinator{
		buffers: buffers,
		stores:  stores,
		policy:  policy,
		signal:  make(chan struct{}, 1),
		idleCh:  make(chan struct{}),
		logger:  logger,
		stats:   stats,
		metrics: metrics,
	}
	c.populating.Store(-1)
	// not running until start
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cancel()
	return c
}

func (c *FlushCoordinator) roles() roles {
	return roles(c.role.Load())
}

// State returns the current flush state.
func (c *FlushCoordinator) State() FlushState {
	return FlushState(c.state.Load())
}

func (c *FlushCoordinator) setState(s FlushState) {
	c.state.Store(int32(s))
	c.metrics.State(int(s))
}

// start launches the background flush worker in async mode and arms the
// cancellation context in both modes.
func (c *FlushCoordinator) start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running.Store(true)
	if c.policy.Async {
		c.wg.Add(1)
		go c.run(c.ctx)
	}
}

// stop cancels any in-flight drain and waits for the worker to exit. On return
// the state is Idle.
func (c *FlushCoordinator) stop() {
	c.cancel()
	c.wg.Wait()
	c.inline.Lock()
	c.inline.Unlock()
	c.running.Store(false)
	c.notifyIdle()
}

// reset bulk-loads both stores from data and empties both buffers. The worker
// must be stopped.
func (c *FlushCoordinator) reset(data []common.Record, numWorkers int) (time.Duration, error) {
	sorted := sortUnique(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	g := new(errgroup.Group)
	if numWorkers < 1 {
		numWorkers = 1
	}
	g.SetLimit(numWorkers)
	for i := range c.stores {
		store := c.stores[i]
		g.Go(func() error {
			_, err := store.BulkLoad(sorted)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return time.Since(start), errors.Wrap(err, "bulk load stable store")
	}

	for i := range c.buffers {
		c.buffers[i].Clear()
		c.inconsistent[i].Store(false)
	}
	c.lag = nil
	c.populating.Store(-1)
	c.role.Store(uint32(makeRoles(0, 0, false)))
	c.total.Store(uint64(len(sorted)))
	c.setState(Idle)
	c.publishSizes()

	return time.Since(start), nil
}

// sortUnique returns a key-ordered copy of data. For duplicate keys the later
// record wins.
func sortUnique(data []common.Record) []common.Record {
	sorted := make([]common.Record, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	out := sorted[:0]
	for i, r := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Key == r.Key {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *FlushCoordinator) insert(rec common.Record) {
	c.mu.RLock()
	buf := c.buffers[c.roles().active()]
	buf.Insert(rec)
	n := buf.Len()
	c.mu.RUnlock()

	total := c.total.Add(1)
	if n >= c.policy.Threshold(total) {
		c.trigger()
	}
}

func (c *FlushCoordinator) lookup(key common.KeyType) (common.ValueType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := c.roles()
	if v, ok := c.buffers[r.active()].Lookup(key); ok {
		return v, true
	}
	if idx, ok := r.retiring(); ok {
		if v, ok := c.buffers[idx].Lookup(key); ok {
			return v, true
		}
	}
	return c.servingStore(r).Lookup(key)
}

// servingStore must be called with mu held.
func (c *FlushCoordinator) servingStore(r roles) StableStore {
	idx := r.serving()
	if int(c.populating.Load()) == idx {
		panic(errors.Wrapf(ErrConcurrencyViolation, "store %d read while being populated", idx))
	}
	return c.stores[idx]
}

// rangeCount counts keys in [low, high] held by the active buffer. With merged
// set it counts the union of both buffers and the serving store instead.
func (c *FlushCoordinator) rangeCount(low, high common.KeyType, merged bool) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := c.roles()
	active := c.buffers[r.active()]
	if !merged {
		return active.RangeQuery(low, high)
	}

	store := c.servingStore(r)
	n := store.RangeQuery(low, high)
	active.Scan(low, high, func(k common.KeyType, _ common.ValueType) bool {
		if _, ok := store.Lookup(k); !ok {
			n++
		}
		return true
	})
	if idx, ok := r.retiring(); ok {
		c.buffers[idx].Scan(low, high, func(k common.KeyType, _ common.ValueType) bool {
			if _, ok := active.Lookup(k); ok {
				return true
			}
			if _, ok := store.Lookup(k); !ok {
				n++
			}
			return true
		})
	}
	return n
}

func (c *FlushCoordinator) shouldFlush() bool {
	n := c.buffers[c.roles().active()].Len()
	return n > 0 && n >= c.policy.Threshold(c.total.Load())
}

func (c *FlushCoordinator) trigger() {
	if c.policy.Async {
		select {
		case c.signal <- struct{}{}:
		default:
			// a signal is already pending
		}
		return
	}
	c.flushInline()
}

// flushInline runs the flush protocol on the calling goroutine. Only one
// caller flushes at a time; the others return immediately.
func (c *FlushCoordinator) flushInline() {
	if !c.inline.TryLock() {
		return
	}
	defer c.inline.Unlock()

	for c.shouldFlush() {
		started, err := c.flushOnce(c.ctx)
		if err != nil || !started {
			break
		}
	}
	c.notifyIdle()
}

// forceFlush runs one flush on the calling goroutine regardless of the
// threshold. If another flush wins the race it waits for that one and tries
// again, so on success a flush started after the call has completed.
func (c *FlushCoordinator) forceFlush(ctx context.Context) error {
	for {
		if !c.running.Load() {
			return ErrClosed
		}
		if err := c.waitIdle(ctx); err != nil {
			return err
		}

		c.inline.Lock()
		started, err := c.flushOnce(c.ctx)
		c.inline.Unlock()
		c.notifyIdle()
		if err != nil {
			return err
		}
		if started {
			// the worker may have given up on a trigger while this flush held the state
			c.rearm()
			return nil
		}
	}
}

// rearm re-sends the flush trigger when the active buffer is still over the
// threshold.
func (c *FlushCoordinator) rearm() {
	if c.running.Load() && c.shouldFlush() {
		c.trigger()
	}
}

func (c *FlushCoordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
		}

		for c.shouldFlush() {
			started, err := c.flushOnce(ctx)
			if err != nil {
				return
			}
			if !started {
				// another flush holds the state; it rearms the trigger when done
				break
			}
		}
		c.notifyIdle()
	}
}

// flushOnce performs one Idle -> Draining -> Swapping -> Idle cycle. It reports
// started=false without doing anything when another flush is in progress.
func (c *FlushCoordinator) flushOnce(ctx context.Context) (started bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, ErrClosed
	}
	if !c.state.CompareAndSwap(int32(Idle), int32(Draining)) {
		return false, nil
	}

	// Handoff: the active buffer retires and the idle one takes new inserts.
	c.mu.Lock()
	r := c.roles()
	retiring, standby := r.active(), r.standby()
	if c.inconsistent[standby].Load() {
		c.mu.Unlock()
		c.setState(Idle)
		return false, errors.Wrapf(ErrStoreInconsistent, "store %d", standby)
	}
	c.populating.Store(int32(standby))
	c.role.Store(uint32(makeRoles(1-retiring, r.serving(), true)))
	c.mu.Unlock()

	c.metrics.State(int(Draining))
	c.stats.BeginDrain()
	start := time.Now()

	batch := c.buffers[retiring].Drain()
	log := c.logger.WithField("action", "hybrid_flush").
		WithField("batch", len(batch)).
		WithField("lag", len(c.lag))
	log.Debug("flush started")

	if err := c.populate(ctx, c.stores[standby], batch); err != nil {
		c.inconsistent[standby].Store(true)
		c.stats.EndDrain(true)
		c.metrics.Flush("cancelled", time.Since(start), len(batch))
		// populating stays set: the half-built store must never serve.
		c.setState(Idle)
		log.WithField("store", standby).Warn("flush cancelled, standby store discarded until rebuild")
		return true, err
	}

	c.mu.Lock()
	c.setState(Swapping)
	c.populating.Store(-1)
	c.buffers[retiring].Clear()
	c.role.Store(uint32(makeRoles(1-retiring, standby, false)))
	c.lag = batch
	c.setState(Idle)
	c.mu.Unlock()

	took := time.Since(start)
	c.stats.EndDrain(false)
	c.metrics.Flush("completed", took, len(batch))
	c.publishSizes()
	log.WithField("took", took).Debug("flush completed")
	return true, nil
}

// populate brings the standby store up to date: first the batch it missed
// while it was serving, then the new batch. Cancellation is checked before
// every record.
func (c *FlushCoordinator) populate(ctx context.Context, store StableStore, batch []common.Record) error {
	for _, part := range [][]common.Record{c.lag, batch} {
		for _, rec := range part {
			if ctx.Err() != nil {
				return ErrDrainCancelled
			}
			store.Insert(rec)
		}
	}
	return nil
}

func (c *FlushCoordinator) notifyIdle() {
	c.idleMu.Lock()
	close(c.idleCh)
	c.idleCh = make(chan struct{})
	c.idleMu.Unlock()
}

func (c *FlushCoordinator) quiescent() bool {
	if c.State() != Idle {
		return false
	}
	if !c.policy.Async {
		return true
	}
	return len(c.signal) == 0 && !c.shouldFlush()
}

// waitIdle blocks until no flush is pending or running.
func (c *FlushCoordinator) waitIdle(ctx context.Context) error {
	for {
		c.idleMu.Lock()
		ch := c.idleCh
		c.idleMu.Unlock()

		if !c.running.Load() {
			return ErrClosed
		}
		if c.quiescent() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *FlushCoordinator) sizeBytes() int {
	total := 0
	for _, b := range c.buffers {
		total += b.SizeBytes()
	}
	for _, s := range c.stores {
		total += s.SizeBytes()
	}
	return total
}

func (c *FlushCoordinator) activeLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffers[c.roles().active()].Len()
}

func (c *FlushCoordinator) publishSizes() {
	if c.metrics == nil {
		return
	}
	r := c.roles()
	retiring := 0
	if idx, ok := r.retiring(); ok {
		retiring = c.buffers[idx].Len()
	}
	c.metrics.Sizes(c.buffers[r.active()].Len(), retiring, c.stores[r.serving()].Len())
}

// withServing runs fn against the serving store under the shared lock.
func (c *FlushCoordinator) withServing(fn func(StableStore)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.servingStore(c.roles()))
}
