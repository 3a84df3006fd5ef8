package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
)

type busSink struct {
	mu  sync.Mutex
	got []event.Envelope
}

func (s *busSink) Deliver(ev event.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *busSink) snapshot() []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.got))
	copy(out, s.got)
	return out
}

func waitN(t *testing.T, s *busSink, n int) []event.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d events, got %d", n, len(s.snapshot()))
	return nil
}

// 测试里把窗口拉长，手动 flushOnce 驱动
func newTestBroadcaster(t *testing.T, backlog NotificationBacklog, online OnlineFunc) (*Broadcaster, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{})
	br := New(Config{CoalesceWindow: time.Hour}, b, backlog, online)
	t.Cleanup(func() { br.Close(); b.Close() })
	return br, b
}

func reactionPayload(t *testing.T, ev event.Envelope) event.ReactionCountChangedPayload {
	t.Helper()
	var p event.ReactionCountChangedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestBurstOfReactsCoalescesToOneDelta(t *testing.T) {
	br, b := newTestBroadcaster(t, nil, nil)
	sink := &busSink{}
	b.Subscribe(event.ContentTopic("post1"), sink)

	for i := 0; i < 5; i++ {
		br.React("post1", fmt.Sprintf("u%d", i), "like", 1)
	}
	br.flushOnce()

	got := waitN(t, sink, 1)
	require.Len(t, got, 1)
	p := reactionPayload(t, got[0])
	assert.Equal(t, int64(5), p.Delta)
	assert.Equal(t, int64(5), p.Total)
	assert.Equal(t, "like", p.ReactionType)

	// 窗口已清空：没有新增量就不再发
	br.flushOnce()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}

func TestCountersPerReactionTypeAreIndependent(t *testing.T) {
	br, b := newTestBroadcaster(t, nil, nil)
	sink := &busSink{}
	b.Subscribe(event.ContentTopic("post1"), sink)

	br.React("post1", "alice", "like", 1)
	br.React("post1", "alice", "heart", 1)
	br.React("post1", "bob", "heart", 1)
	br.flushOnce()

	got := waitN(t, sink, 2)
	byType := map[string]event.ReactionCountChangedPayload{}
	for _, ev := range got {
		p := reactionPayload(t, ev)
		byType[p.ReactionType] = p
	}
	assert.Equal(t, int64(1), byType["like"].Total)
	assert.Equal(t, int64(2), byType["heart"].Total)
}

func TestRemovalEmitsNegativeDeltaAndTotalFloorsAtZero(t *testing.T) {
	br, b := newTestBroadcaster(t, nil, nil)
	sink := &busSink{}
	b.Subscribe(event.ContentTopic("post1"), sink)

	br.React("post1", "u1", "like", 1)
	br.React("post1", "u2", "like", 1)
	br.React("post1", "u3", "like", 1)
	br.flushOnce()
	waitN(t, sink, 1)

	br.React("post1", "u1", "like", -1)
	br.flushOnce()
	got := waitN(t, sink, 2)
	p := reactionPayload(t, got[1])
	assert.Equal(t, int64(-1), p.Delta)
	assert.Equal(t, int64(2), p.Total)

	// 乱序撤销不把总数打穿到负
	br.React("post1", "u1", "like", -1)
	br.React("post1", "u2", "like", -1)
	br.React("post1", "u3", "like", -1)
	assert.Equal(t, int64(0), br.Total("post1", "like"))
}

// 客户端报多大的 delta 都只算一步，计数器灌不了水。
func TestReactClampsClientDeltaToOneStep(t *testing.T) {
	br, b := newTestBroadcaster(t, nil, nil)
	sink := &busSink{}
	b.Subscribe(event.ContentTopic("post1"), sink)

	br.React("post1", "alice", "like", 1000)
	br.React("post1", "bob", "like", 7)
	br.React("post1", "carol", "like", -50)
	br.React("post1", "", "like", 1) // 无主信号直接丢弃
	br.flushOnce()

	got := waitN(t, sink, 1)
	p := reactionPayload(t, got[0])
	assert.Equal(t, int64(1), p.Delta)
	assert.Equal(t, int64(1), p.Total)
	assert.Equal(t, int64(1), br.Total("post1", "like"))
}

func TestDuplicateNotificationsMergeWithCount(t *testing.T) {
	br, b := newTestBroadcaster(t, nil, nil)
	sink := &busSink{}
	b.Subscribe(event.UserTopic("bob"), sink)

	body := map[string]any{"post": "post1", "actor": "alice"}
	br.Notify("bob", "like", body)
	br.Notify("bob", "like", body)
	br.Notify("bob", "like", body)
	br.Notify("bob", "comment", body) // 不同 kind 不合并
	br.flushOnce()

	got := waitN(t, sink, 2)
	var likes, comments int
	for _, ev := range got {
		var p event.NotificationPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		switch p.Kind {
		case "like":
			likes = p.Count
		case "comment":
			comments = p.Count
		}
	}
	assert.Equal(t, 3, likes)
	assert.Equal(t, 1, comments)
}

func TestOfflineNotificationLandsInBacklog(t *testing.T) {
	backlog := NewMemBacklog(0)
	br, b := newTestBroadcaster(t, backlog, func(string) bool { return false })
	sink := &busSink{}
	b.Subscribe(event.UserTopic("bob"), sink)

	br.Notify("bob", "like", map[string]any{"post": "post1"})
	br.flushOnce()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot()) // 离线不走总线

	evs, err := br.DrainBacklog("bob", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.TypeNotificationDelivered, evs[0].Type)

	// 再取一次为空
	evs, err = br.DrainBacklog("bob", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestMemBacklogRollingWindow(t *testing.T) {
	backlog := NewMemBacklog(3)
	for i := 0; i < 5; i++ {
		ev := event.New(event.TypeNotificationDelivered, event.UserTopic("bob"), nil)
		ev.Seq = int64(i + 1)
		require.NoError(t, backlog.Enqueue("bob", ev))
	}
	evs, err := backlog.Drain("bob", 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	// 最老的两条被滚动淘汰
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, int64(5), evs[2].Seq)
}
