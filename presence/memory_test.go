package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T, timeout time.Duration) (*Memory, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemory(MemoryConf{Timeout: timeout, Sweep: time.Hour, Clock: clk.Now})
	t.Cleanup(m.Close)
	return m, clk
}

func TestOwnerFollowsLatestBeat(t *testing.T) {
	m, clk := newTracker(t, 75*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Online(ctx, 1, "s1", "gateway_1"))
	clk.Advance(time.Second)
	require.NoError(t, m.Online(ctx, 1, "s2", "gateway_2"))

	node, ok, err := m.Owner(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gateway_2", node)

	// s1 心跳更晚，归属切回 gateway_1
	clk.Advance(time.Second)
	require.NoError(t, m.Heartbeat(ctx, 1, "s1"))
	node, ok, _ = m.Owner(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "gateway_1", node)
}

// 心跳停了就算离线，socket 开着也一样
func TestHeartbeatTimeoutMeansOffline(t *testing.T) {
	m, clk := newTracker(t, 75*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Online(ctx, 1, "s1", "gateway_1"))
	clk.Advance(76 * time.Second)

	_, ok, err := m.Owner(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	sessions, err := m.Sessions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestHeartbeatKeepsAlive(t *testing.T) {
	m, clk := newTracker(t, 75*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Online(ctx, 1, "s1", "gateway_1"))
	for i := 0; i < 5; i++ {
		clk.Advance(60 * time.Second)
		require.NoError(t, m.Heartbeat(ctx, 1, "s1"))
	}
	_, ok, _ := m.Owner(ctx, 1)
	assert.True(t, ok)
}

func TestOfflineIsIdempotentAndScoped(t *testing.T) {
	m, _ := newTracker(t, 75*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Online(ctx, 1, "s1", "gateway_1"))
	require.NoError(t, m.Online(ctx, 1, "s2", "gateway_1"))

	require.NoError(t, m.Offline(ctx, 1, "s1"))
	require.NoError(t, m.Offline(ctx, 1, "s1"))

	sessions, _ := m.Sessions(ctx, 1)
	assert.Equal(t, []string{"s2"}, sessions)
}

func TestSweeperEvictsStale(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemory(MemoryConf{Timeout: time.Second, Sweep: time.Hour, Clock: clk.Now})
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Online(ctx, 1, "s1", "gateway_1"))
	clk.Advance(2 * time.Second)
	m.sweepOnce()

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Empty(t, m.entries)
}
