package bus

import (
	"sync"
	"testing"
	"time"

	"PulseIM/realtime/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	mu  sync.Mutex
	got []event.Envelope
}

func (c *collectSink) Deliver(ev event.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

func (c *collectSink) snapshot() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Envelope, len(c.got))
	copy(out, c.got)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishAssignsMonotonicSeqPerTopic(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	sink := &collectSink{}
	b.Subscribe("conv:c1", sink)

	for i := 0; i < 10; i++ {
		seq, err := b.Publish("conv:c1", event.New(event.TypeTypingStarted, "conv:c1", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 10 })
	got := sink.snapshot()
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	b := New(Config{QueueSize: 1024})
	defer b.Close()

	s1 := &collectSink{}
	s2 := &collectSink{}
	b.Subscribe("conv:c1", s1)
	b.Subscribe("conv:c1", s2)

	const n = 200
	for i := 0; i < n; i++ {
		_, err := b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return len(s1.snapshot()) == n && len(s2.snapshot()) == n })
	for _, sink := range []*collectSink{s1, s2} {
		got := sink.snapshot()
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	_, err := b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
	require.NoError(t, err)

	late := &collectSink{}
	b.Subscribe("conv:c1", late)

	_, err = b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(late.snapshot()) == 1 })
	got := late.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Seq)
}

// blockingSink holds the pump until released so queue pressure can build.
type blockingSink struct {
	collectSink
	gate chan struct{}
	once sync.Once
}

func (s *blockingSink) Deliver(ev event.Envelope) {
	s.once.Do(func() { <-s.gate })
	s.collectSink.Deliver(ev)
}

func TestBackpressureShedsOldestEphemeralFirst(t *testing.T) {
	b := New(Config{QueueSize: 4})
	defer b.Close()

	sink := &blockingSink{gate: make(chan struct{})}
	b.Subscribe("conv:c1", sink)

	// fill the queue with ephemeral events while the pump is held
	for i := 0; i < 4; i++ {
		_, err := b.Publish("conv:c1", event.New(event.TypeTypingStarted, "conv:c1", nil))
		require.NoError(t, err)
	}
	// the pump may have stolen the first batch; top the queue back up
	for i := 0; i < 4; i++ {
		_, _ = b.Publish("conv:c1", event.New(event.TypeTypingStarted, "conv:c1", nil))
	}

	// a critical event must displace an ephemeral one, not fail
	_, err := b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
	require.NoError(t, err)

	close(sink.gate)
	waitFor(t, func() bool {
		for _, ev := range sink.snapshot() {
			if ev.Type == event.TypeMessageSubmitted {
				return true
			}
		}
		return false
	})
}

func TestBackpressureReportsWhenQueueAllCritical(t *testing.T) {
	b := New(Config{QueueSize: 2})
	defer b.Close()

	sink := &blockingSink{gate: make(chan struct{})}
	b.Subscribe("conv:c1", sink)

	// the pump steals the first published event into its batch, so it takes
	// queue size + 1 publishes before pressure is visible
	var err error
	for i := 0; i < 6; i++ {
		_, err = b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	close(sink.gate)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	sink := &collectSink{}
	sub := b.Subscribe("conv:c1", sink)

	_, err := b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	_, err = b.Publish("conv:c1", event.New(event.TypeMessageSubmitted, "conv:c1", nil))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}

func TestConcurrentPublishSubscribeSafe(t *testing.T) {
	b := New(Config{QueueSize: 4096})
	defer b.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &collectSink{}
			sub := b.Subscribe("conv:hot", sink)
			for i := 0; i < 100; i++ {
				_, _ = b.Publish("conv:hot", event.New(event.TypeTypingStarted, "conv:hot", nil))
			}
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), b.TopicSeq("conv:hot"))
}
