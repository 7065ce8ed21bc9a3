package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func testUpdate(id int64) telegram.Update {
	return telegram.Update{UpdateID: id}
}

// collector gathers handled update ids and signals each arrival.
type collector struct {
	mu  sync.Mutex
	ids []int64
	got chan int64
}

func newCollector() *collector {
	return &collector{got: make(chan int64, 64)}
}

func (c *collector) handle(_ context.Context, u telegram.Update) error {
	c.mu.Lock()
	c.ids = append(c.ids, u.UpdateID)
	c.mu.Unlock()
	c.got <- u.UpdateID
	return nil
}

func (c *collector) wait(t *testing.T) int64 {
	t.Helper()
	select {
	case id := <-c.got:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an update to be handled")
		return 0
	}
}

func (c *collector) handled() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

func TestRingEvictsOldest(t *testing.T) {
	r := newUpdateRing(2)

	_, full := r.push(testUpdate(1))
	assert.False(t, full)
	_, full = r.push(testUpdate(2))
	assert.False(t, full)

	evicted, full := r.push(testUpdate(3))
	assert.True(t, full)
	assert.Equal(t, int64(1), evicted.UpdateID)

	assert.Equal(t, int64(2), r.pop().UpdateID)
	assert.Equal(t, int64(3), r.pop().UpdateID)
	assert.Equal(t, 0, r.len())
}

func TestDispatcherProcessesInArrivalOrder(t *testing.T) {
	c := newCollector()
	d := NewDispatcher(c.handle)
	d.Start(context.Background())
	defer d.Close()

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, d.Enqueue(context.Background(), testUpdate(id)))
	}
	for i := 0; i < 3; i++ {
		c.wait(t)
	}
	assert.Equal(t, []int64{1, 2, 3}, c.handled())
}

func TestDispatcherDiscardsRedeliveries(t *testing.T) {
	now, clock := newClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	c := newCollector()
	d := NewDispatcher(c.handle, WithDispatcherClock(clock))
	d.Start(context.Background())
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), testUpdate(5)))
	require.NoError(t, d.Enqueue(context.Background(), testUpdate(5)))
	assert.Equal(t, int64(5), c.wait(t))

	// Past the TTL the same id is admitted again even before the
	// sweeper runs.
	*now = now.Add(DefaultDedupTTL + time.Minute)
	require.NoError(t, d.Enqueue(context.Background(), testUpdate(5)))
	assert.Equal(t, int64(5), c.wait(t))

	assert.Equal(t, []int64{5, 5}, c.handled())
}

func TestDispatcherDropsOldestOnOverflow(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newCollector()
	handler := func(ctx context.Context, u telegram.Update) error {
		if u.UpdateID == 9 {
			entered <- struct{}{}
			<-release
		}
		return c.handle(ctx, u)
	}

	d := NewDispatcher(handler, WithQueueCapacity(2))
	require.NoError(t, d.Enqueue(context.Background(), testUpdate(9)))
	d.Start(context.Background())
	<-entered // the single worker is now stuck on update 9

	for id := int64(10); id <= 13; id++ {
		require.NoError(t, d.Enqueue(context.Background(), testUpdate(id)))
	}
	assert.Equal(t, 2, d.QueueLen())

	close(release)
	d.Close()

	handled := c.handled()
	assert.Equal(t, []int64{9, 12, 13}, handled)
	assert.NotContains(t, handled, int64(10))
	assert.NotContains(t, handled, int64(11))
}

func TestDispatcherCloseDrainsBacklog(t *testing.T) {
	c := newCollector()
	d := NewDispatcher(c.handle)
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, d.Enqueue(context.Background(), testUpdate(id)))
	}
	d.Start(context.Background())
	d.Close()

	assert.Equal(t, []int64{1, 2, 3, 4}, c.handled())
	assert.ErrorIs(t, d.Enqueue(context.Background(), testUpdate(5)), ErrDispatcherClosed)
}

func TestDispatcherStartAndCloseAreIdempotent(t *testing.T) {
	c := newCollector()
	d := NewDispatcher(c.handle)
	d.Start(context.Background())
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), testUpdate(1)))
	c.wait(t)

	d.Close()
	d.Close()
	assert.Equal(t, []int64{1}, c.handled())
}

func TestDispatcherKeepsWorkingAfterHandlerError(t *testing.T) {
	c := newCollector()
	handler := func(ctx context.Context, u telegram.Update) error {
		if u.UpdateID == 1 {
			return errors.New("downstream unavailable")
		}
		return c.handle(ctx, u)
	}
	d := NewDispatcher(handler)
	d.Start(context.Background())
	defer d.Close()

	require.NoError(t, d.Enqueue(context.Background(), testUpdate(1)))
	require.NoError(t, d.Enqueue(context.Background(), testUpdate(2)))
	assert.Equal(t, int64(2), c.wait(t))
	assert.Equal(t, []int64{2}, c.handled())
}
