package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
)

type typingSink struct {
	mu  sync.Mutex
	got []event.Envelope
}

func (s *typingSink) Deliver(ev event.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *typingSink) count(t event.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.got {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func waitCount(t *testing.T, s *typingSink, typ event.Type, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count(typ) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d %s events, got %d", n, typ, s.count(typ))
}

func newTestCoordinator(t *testing.T, ttl time.Duration) (*Coordinator, *typingSink) {
	t.Helper()
	b := bus.New(bus.Config{})
	c := NewCoordinator(Config{TTL: ttl}, b)
	sink := &typingSink{}
	b.Subscribe(event.ConversationTopic("c1"), sink)
	t.Cleanup(func() { c.Close(); b.Close() })
	return c, sink
}

func TestBurstFiresStartOnceAndStopOnExpiry(t *testing.T) {
	c, sink := newTestCoordinator(t, 80*time.Millisecond)

	// 连续击键只产生一次 started
	for i := 0; i < 10; i++ {
		c.NotifyTyping("c1", "alice")
	}
	waitCount(t, sink, event.TypeTypingStarted, 1)
	assert.Equal(t, 1, sink.count(event.TypeTypingStarted))
	assert.Equal(t, []string{"alice"}, c.ActiveTypers("c1"))

	waitCount(t, sink, event.TypeTypingStopped, 1)
	assert.Equal(t, 1, sink.count(event.TypeTypingStopped))
	assert.Empty(t, c.ActiveTypers("c1"))
}

func TestNotifyReArmsExpiry(t *testing.T) {
	c, sink := newTestCoordinator(t, 120*time.Millisecond)

	c.NotifyTyping("c1", "alice")
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond) // 每次都在过期前续上
		c.NotifyTyping("c1", "alice")
		assert.Equal(t, 0, sink.count(event.TypeTypingStopped))
	}

	waitCount(t, sink, event.TypeTypingStopped, 1)
	assert.Equal(t, 1, sink.count(event.TypeTypingStarted))
}

func TestExplicitStopFiresExactlyOneStop(t *testing.T) {
	c, sink := newTestCoordinator(t, time.Minute)

	c.NotifyTyping("c1", "alice")
	waitCount(t, sink, event.TypeTypingStarted, 1)

	c.StopTyping("c1", "alice")
	waitCount(t, sink, event.TypeTypingStopped, 1)

	// 重复 stop 与已停止后的 stop 都是 no-op
	c.StopTyping("c1", "alice")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count(event.TypeTypingStopped))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	c, sink := newTestCoordinator(t, time.Minute)
	c.StopTyping("c1", "ghost")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count(event.TypeTypingStopped))
}

func TestNewBurstAfterStopStartsAgain(t *testing.T) {
	c, sink := newTestCoordinator(t, time.Minute)

	c.NotifyTyping("c1", "alice")
	c.StopTyping("c1", "alice")
	waitCount(t, sink, event.TypeTypingStopped, 1)

	c.NotifyTyping("c1", "alice")
	waitCount(t, sink, event.TypeTypingStarted, 2)
}

func TestSessionGoneStopsAllBursts(t *testing.T) {
	b := bus.New(bus.Config{})
	c := NewCoordinator(Config{TTL: time.Minute}, b)
	t.Cleanup(func() { c.Close(); b.Close() })

	s1 := &typingSink{}
	s2 := &typingSink{}
	b.Subscribe(event.ConversationTopic("c1"), s1)
	b.Subscribe(event.ConversationTopic("c2"), s2)

	c.NotifyTyping("c1", "alice")
	c.NotifyTyping("c2", "alice")
	c.NotifyTyping("c1", "bob")

	c.SessionGone("alice")
	waitCount(t, s1, event.TypeTypingStopped, 1)
	waitCount(t, s2, event.TypeTypingStopped, 1)

	// bob 不受影响
	assert.Equal(t, []string{"bob"}, c.ActiveTypers("c1"))
}

func TestStopPayloadCarriesConversationAndUser(t *testing.T) {
	c, sink := newTestCoordinator(t, time.Minute)

	c.NotifyTyping("c1", "alice")
	c.StopTyping("c1", "alice")
	waitCount(t, sink, event.TypeTypingStopped, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var stop event.TypingPayload
	for _, ev := range sink.got {
		if ev.Type == event.TypeTypingStopped {
			require.NoError(t, json.Unmarshal(ev.Payload, &stop))
		}
	}
	assert.Equal(t, "c1", stop.ConversationID)
	assert.Equal(t, "alice", stop.UserID)
}
