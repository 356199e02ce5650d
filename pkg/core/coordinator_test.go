package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridindex/pkg/common"
	"hybridindex/pkg/monitor"
)

func newTestCoordinator(t *testing.T, minFlush int) *FlushCoordinator {
	t.Helper()
	return newCoordinatorWith(t, minFlush, false)
}

func newCoordinatorWith(t *testing.T, minFlush int, async bool) *FlushCoordinator {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := testConfig(minFlush, async)
	buffers := [2]WriteBuffer{NewMemTableBuffer(8), NewMemTableBuffer(8)}
	stores := [2]StableStore{NewLearnedStore(16, 8, nil, 0.01), NewLearnedStore(16, 8, nil, 0.01)}
	c := newFlushCoordinator(buffers, stores, cfg.Index, logger, monitor.NewWorkloadStats(), nil)
	_, err := c.reset(nil, 1)
	require.NoError(t, err)
	c.start()
	t.Cleanup(c.stop)
	return c
}

func TestRoles(t *testing.T) {
	r := makeRoles(1, 0, true)
	assert.Equal(t, 1, r.active())
	assert.Equal(t, 0, r.serving())
	assert.Equal(t, 1, r.standby())
	idx, ok := r.retiring()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	r = makeRoles(0, 1, false)
	assert.Equal(t, 0, r.active())
	assert.Equal(t, 1, r.serving())
	_, ok = r.retiring()
	assert.False(t, ok)
}

func TestSortUnique(t *testing.T) {
	in := []common.Record{{Key: 3, Value: 1}, {Key: 1, Value: 1}, {Key: 3, Value: 2}, {Key: 2, Value: 5}}
	out := sortUnique(in)
	assert.Equal(t, []common.Record{{Key: 1, Value: 1}, {Key: 2, Value: 5}, {Key: 3, Value: 2}}, out)
	// input untouched
	assert.Equal(t, common.KeyType(3), in[0].Key)
	assert.Empty(t, sortUnique(nil))
}

func TestFlushSwapsServingStore(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	c.insert(common.Record{Key: 1, Value: 10})

	before := c.roles()
	started, err := c.flushOnce(c.ctx)
	require.NoError(t, err)
	require.True(t, started)
	after := c.roles()

	assert.Equal(t, before.standby(), after.serving())
	assert.Equal(t, 1-before.active(), after.active())
	_, retiring := after.retiring()
	assert.False(t, retiring)
	assert.Equal(t, int32(-1), c.populating.Load())
	assert.Equal(t, []common.Record{{Key: 1, Value: 10}}, c.lag)

	v, ok := c.lookup(1)
	assert.True(t, ok)
	assert.Equal(t, common.ValueType(10), v)
}

func TestFlushRefusesInconsistentStore(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	c.insert(common.Record{Key: 1, Value: 10})
	c.inconsistent[c.roles().standby()].Store(true)

	started, err := c.flushOnce(c.ctx)
	assert.ErrorIs(t, err, ErrStoreInconsistent)
	assert.False(t, started)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, c.activeLen())

	_, err = c.reset(nil, 1)
	require.NoError(t, err)
	c.insert(common.Record{Key: 1, Value: 10})
	started, err = c.flushOnce(c.ctx)
	assert.NoError(t, err)
	assert.True(t, started)
}

func TestFlushOnceReportsLostRace(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	c.insert(common.Record{Key: 1, Value: 10})

	c.state.Store(int32(Draining))
	started, err := c.flushOnce(c.ctx)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 1, c.activeLen())
	assert.Equal(t, uint64(0), c.stats.Flushes())

	c.state.Store(int32(Idle))
	started, err = c.flushOnce(c.ctx)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 0, c.activeLen())
}

func TestWorkerWaitsWhileFlushHeld(t *testing.T) {
	c := newCoordinatorWith(t, 4, true)
	c.state.Store(int32(Draining))
	for i := 1; i <= 10; i++ {
		c.insert(common.Record{Key: common.KeyType(i), Value: 1})
	}

	// the worker consumes the trigger and parks on the signal channel
	require.Eventually(t, func() bool { return len(c.signal) == 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.signal)
	assert.Equal(t, 10, c.activeLen())
	assert.Equal(t, uint64(0), c.stats.Flushes())

	c.setState(Idle)
	c.rearm()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.waitIdle(ctx))
	assert.Equal(t, uint64(1), c.stats.Flushes())
	assert.Equal(t, 0, c.activeLen())
}

func TestLookupOfPopulatingStorePanics(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	c.populating.Store(int32(c.roles().serving()))
	defer c.populating.Store(-1)

	assert.PanicsWithError(t, "store 0 read while being populated: concurrency violation", func() {
		c.lookup(42)
	})
}

func TestFlushOnceAfterStop(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	c.stop()
	started, err := c.flushOnce(c.ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, started)
	assert.ErrorIs(t, c.waitIdle(context.Background()), ErrClosed)
}

func TestPopulateStopsOnCancel(t *testing.T) {
	c := newTestCoordinator(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewLearnedStore(16, 8, nil, 0.01)
	err := c.populate(ctx, store, []common.Record{{Key: 1, Value: 1}})
	assert.ErrorIs(t, err, ErrDrainCancelled)
	assert.Equal(t, 0, store.Len())
}
