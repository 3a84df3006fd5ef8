package gateway

import (
	"fmt"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type closeRecorder struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{reasons: make(map[string][]string)}
}

func (r *closeRecorder) record(s *Session, reason string) {
	r.mu.Lock()
	r.reasons[s.ID] = append(r.reasons[s.ID], reason)
	r.mu.Unlock()
}

func (r *closeRecorder) of(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[sessionID]
}

func testSession(clk *fakeClock, id, user string) *Session {
	return newSession(id, user, "test", nil, 16, time.Second, nil, clk.Now)
}

func newTestManager(clk *fakeClock, rec *closeRecorder, maxPerUser int) *Manager {
	return NewManager(ManagerConf{
		HeartbeatEvery: 25 * time.Second,
		MissLimit:      2,
		SweepEvery:     time.Hour, // 手动触发 sweepOnce
		MaxPerUser:     maxPerUser,
		EvictOldest:    true,
		Clock:          clk.Now,
	}, rec.record)
}

func TestManagerAddAndDuplicate(t *testing.T) {
	clk := newFakeClock()
	rec := newCloseRecorder()
	m := newTestManager(clk, rec, 4)
	defer m.Close()

	s := testSession(clk, "s1", "alice")
	require.NoError(t, m.Add(s))
	assert.Error(t, m.Add(s))
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.UserOnline("alice"))
}

func TestManagerRemoveIdempotent(t *testing.T) {
	clk := newFakeClock()
	rec := newCloseRecorder()
	m := newTestManager(clk, rec, 4)
	defer m.Close()

	s := testSession(clk, "s1", "alice")
	require.NoError(t, m.Add(s))

	assert.True(t, m.Remove("s1", "bye"))
	assert.False(t, m.Remove("s1", "again"))
	assert.Equal(t, []string{"bye"}, rec.of("s1"), "close callback fires exactly once")
	assert.False(t, m.UserOnline("alice"))
	assert.True(t, s.Closed())
}

func TestManagerEvictsOldestOverLimit(t *testing.T) {
	clk := newFakeClock()
	rec := newCloseRecorder()
	m := newTestManager(clk, rec, 2)
	defer m.Close()

	for i := 1; i <= 2; i++ {
		require.NoError(t, m.Add(testSession(clk, fmt.Sprintf("s%d", i), "alice")))
		clk.Advance(time.Second)
	}
	require.NoError(t, m.Add(testSession(clk, "s3", "alice")))

	assert.Equal(t, 2, m.Count())
	_, ok := m.Get("s1")
	assert.False(t, ok, "oldest session evicted")
	assert.Contains(t, rec.of("s1")[0], "evicted")

	got := m.SessionsOf("alice")
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "s3", got[1].ID)
}

func TestManagerSweepOnHeartbeatTimeout(t *testing.T) {
	clk := newFakeClock()
	rec := newCloseRecorder()
	m := newTestManager(clk, rec, 4)
	defer m.Close()

	stale := testSession(clk, "stale", "alice")
	require.NoError(t, m.Add(stale))

	clk.Advance(40 * time.Second)
	fresh := testSession(clk, "fresh", "alice")
	require.NoError(t, m.Add(fresh))

	// 25s × 2 拍 = 50s 容忍窗口；stale 已 40s 未动，再过 15s 超时
	clk.Advance(15 * time.Second)
	m.sweepOnce()

	_, ok := m.Get("stale")
	assert.False(t, ok)
	assert.Contains(t, rec.of("stale")[0], "heartbeat")
	_, ok = m.Get("fresh")
	assert.True(t, ok)
}

func TestManagerTouchDefersSweep(t *testing.T) {
	clk := newFakeClock()
	rec := newCloseRecorder()
	m := newTestManager(clk, rec, 4)
	defer m.Close()

	s := testSession(clk, "s1", "alice")
	require.NoError(t, m.Add(s))

	clk.Advance(45 * time.Second)
	s.Touch()
	clk.Advance(45 * time.Second)
	m.sweepOnce()

	_, ok := m.Get("s1")
	assert.True(t, ok, "recent heartbeat keeps the session alive")
}
