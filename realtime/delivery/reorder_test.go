package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseIM/realtime/event"
)

func env(topicID string, seq int64) event.Envelope {
	ev := event.New(event.TypeMessageSubmitted, topicID, nil)
	ev.Seq = seq
	return ev
}

func seqsOf(evs []event.Envelope) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Seq)
	}
	return out
}

func TestInOrderArrivalsPassThrough(t *testing.T) {
	r := NewResequencer(time.Second, nil)
	for i := int64(1); i <= 5; i++ {
		got := r.Offer(env("conv:c1", i))
		require.Len(t, got, 1)
		assert.Equal(t, i, got[0].Seq)
	}
}

func TestOutOfOrderArrivalHeldThenReleasedInOrder(t *testing.T) {
	r := NewResequencer(time.Second, nil)

	require.Len(t, r.Offer(env("conv:c1", 1)), 1)
	assert.Empty(t, r.Offer(env("conv:c1", 3))) // 等 2
	assert.Empty(t, r.Offer(env("conv:c1", 4)))

	got := r.Offer(env("conv:c1", 2))
	assert.Equal(t, []int64{2, 3, 4}, seqsOf(got))
}

func TestDuplicatesAndStaleDropped(t *testing.T) {
	r := NewResequencer(time.Second, nil)

	require.Len(t, r.Offer(env("conv:c1", 1)), 1)
	require.Len(t, r.Offer(env("conv:c1", 2)), 1)
	assert.Empty(t, r.Offer(env("conv:c1", 2)))
	assert.Empty(t, r.Offer(env("conv:c1", 1)))

	// 缓存中的重复也只放行一次
	assert.Empty(t, r.Offer(env("conv:c1", 4)))
	assert.Empty(t, r.Offer(env("conv:c1", 4)))
	got := r.Offer(env("conv:c1", 3))
	assert.Equal(t, []int64{3, 4}, seqsOf(got))
}

func TestTopicsAreIndependent(t *testing.T) {
	r := NewResequencer(time.Second, nil)

	require.Len(t, r.Offer(env("conv:c1", 1)), 1)
	// 另一个 topic 的首个事件自定位，不受 c1 影响
	got := r.Offer(env("conv:c2", 7))
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Seq)
}

func TestFlushGivesUpOnHoleAfterDeadline(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewResequencer(time.Second, clock)

	require.Len(t, r.Offer(env("conv:c1", 1)), 1)
	assert.Empty(t, r.Offer(env("conv:c1", 3)))
	assert.Empty(t, r.Offer(env("conv:c1", 4)))

	assert.Empty(t, r.Flush()) // 未超时，继续等

	now = now.Add(2 * time.Second)
	got := r.Flush()
	assert.Equal(t, []int64{3, 4}, seqsOf(got))

	// 放弃的空洞（2）此后到达也被丢弃，5 正常续上
	assert.Empty(t, r.Offer(env("conv:c1", 2)))
	require.Len(t, r.Offer(env("conv:c1", 5)), 1)
}

func TestResetDropsTopicState(t *testing.T) {
	r := NewResequencer(time.Second, nil)

	require.Len(t, r.Offer(env("conv:c1", 1)), 1)
	assert.Empty(t, r.Offer(env("conv:c1", 3)))

	r.Reset("conv:c1")

	// 重新订阅后首个事件重新定位
	got := r.Offer(env("conv:c1", 10))
	require.Len(t, got, 1)
	assert.Equal(t, int64(10), got[0].Seq)
}
