package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
	errs "PulseIM/tools/errs"
)

type eventSink struct {
	mu  sync.Mutex
	got []event.Envelope
}

func (s *eventSink) Deliver(ev event.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *eventSink) count(t event.Type) int {
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

func waitEvents(t *testing.T, s *eventSink, typ event.Type, n int) {
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

func newTestPipeline(t *testing.T) (*Pipeline, Store, *eventSink) {
	t.Helper()
	store := NewMemStore()
	require.NoError(t, store.EnsureConversation(context.Background(), "c1", []string{"alice", "bob"}))

	b := bus.New(bus.Config{QueueSize: 4096})
	p := NewPipeline(Config{}, store, NewMemSeqAllocator(store), NewMemClientMsgIndex(), b, nil)

	sink := &eventSink{}
	b.Subscribe(event.ConversationTopic("c1"), sink)
	t.Cleanup(func() { p.Close(); b.Close() })
	return p, store, sink
}

func TestSubmitAssignsGapFreeSeqs(t *testing.T) {
	p, _, sink := newTestPipeline(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 25
	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg, err := p.Submit(ctx, "c1", "alice", fmt.Sprintf("cid-%d-%d", w, i), []byte("hi"))
				assert.NoError(t, err)
				seqs <- msg.Seq
			}
		}(w)
	}
	wg.Wait()
	close(seqs)

	// 无空洞无重复：恰好是 1..100
	seen := make(map[int64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	require.Len(t, seen, writers*perWriter)
	for i := int64(1); i <= writers*perWriter; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}

	waitEvents(t, sink, event.TypeMessageSubmitted, writers*perWriter)
	assert.Equal(t, writers*perWriter, sink.count(event.TypeMessageSubmitted))
}

func TestDuplicateSubmitReturnsOriginalWithoutNewEvent(t *testing.T) {
	p, _, sink := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hello"))
	require.NoError(t, err)

	second, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Seq, second.Seq)

	waitEvents(t, sink, event.TypeMessageSubmitted, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count(event.TypeMessageSubmitted))
}

func TestDuplicateClientIDWithDifferentPayloadRejected(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hello"))
	require.NoError(t, err)

	_, err = p.Submit(ctx, "c1", "alice", "cid-1", []byte("tampered"))
	require.Error(t, err)
	assert.True(t, errs.ErrDuplicatePayload.Is(err))
}

func TestSubmitChecksConversationAndParticipant(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, "ghost", "alice", "cid-1", []byte("hi"))
	require.Error(t, err)
	assert.True(t, errs.ErrConversationNotFound.Is(err))

	_, err = p.Submit(ctx, "c1", "mallory", "cid-2", []byte("hi"))
	require.Error(t, err)
	assert.True(t, errs.ErrNotParticipant.Is(err))
}

func TestStatusAdvancesMonotonically(t *testing.T) {
	p, store, sink := newTestPipeline(t)
	ctx := context.Background()

	msg, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, msg.Status)

	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusDelivered, "bob"))
	waitEvents(t, sink, event.TypeMessageStatusChanged, 1)

	// 重复与回退都静默忽略，不再发事件
	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusDelivered, "bob"))
	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusSent, "bob"))

	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusRead, "bob"))
	waitEvents(t, sink, event.TypeMessageStatusChanged, 2)

	// Read 之后迟到的 Delivered 不得回退
	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusDelivered, "bob"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sink.count(event.TypeMessageStatusChanged))

	cur, err := store.FindByID(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, cur.Status)
}

func TestFailedIsTerminal(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	msg, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusFailed, ""))
	require.NoError(t, p.MarkStatus(ctx, msg.MessageID, StatusRead, "bob"))

	cur, err := store.FindByID(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cur.Status)
}

// 回执是接收方的动作：外人和发送方本人都推不动状态。
func TestReceiptRequiresRecipientParticipant(t *testing.T) {
	p, store, sink := newTestPipeline(t)
	ctx := context.Background()

	msg, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hi"))
	require.NoError(t, err)

	err = p.MarkStatus(ctx, msg.MessageID, StatusRead, "mallory")
	require.Error(t, err)
	assert.True(t, errs.ErrNotParticipant.Is(err))

	err = p.MarkStatus(ctx, msg.MessageID, StatusDelivered, "alice")
	require.Error(t, err)
	assert.True(t, errs.ErrNotParticipant.Is(err))

	// 状态原地不动，也没有状态事件流出
	cur, err := store.FindByID(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, cur.Status)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count(event.TypeMessageStatusChanged))
}

// gatedStore 在指定状态的 CAS 完成后停住调用方，复现“先落库的晚广播”。
type gatedStore struct {
	Store
	mu      sync.Mutex
	holdOn  Status
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) UpdateStatus(ctx context.Context, messageID string, next Status, atMS int64) (bool, error) {
	changed, err := s.Store.UpdateStatus(ctx, messageID, next, atMS)
	s.mu.Lock()
	hit := s.holdOn == next
	if hit {
		s.holdOn = 0
	}
	s.mu.Unlock()
	if hit {
		close(s.entered)
		<-s.release
	}
	return changed, err
}

// 并发回执：delivered 的 CAS 先赢但发布被拖慢，read 的回执必须排在它
// 后面广播，订阅端不能看到 read → delivered 的回退序列。
func TestConcurrentReceiptsPublishInStoreOrder(t *testing.T) {
	base := NewMemStore()
	ctx := context.Background()
	require.NoError(t, base.EnsureConversation(ctx, "c1", []string{"alice", "bob"}))
	gate := &gatedStore{Store: base, entered: make(chan struct{}), release: make(chan struct{})}

	b := bus.New(bus.Config{QueueSize: 64})
	p := NewPipeline(Config{}, gate, NewMemSeqAllocator(base), NewMemClientMsgIndex(), b, nil)
	t.Cleanup(func() { p.Close(); b.Close() })
	sink := &eventSink{}
	b.Subscribe(event.ConversationTopic("c1"), sink)

	msg, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hi"))
	require.NoError(t, err)

	gate.mu.Lock()
	gate.holdOn = StatusDelivered
	gate.mu.Unlock()

	done := make(chan error, 2)
	go func() { done <- p.MarkStatus(ctx, msg.MessageID, StatusDelivered, "bob") }()
	<-gate.entered
	go func() { done <- p.MarkStatus(ctx, msg.MessageID, StatusRead, "bob") }()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	waitEvents(t, sink, event.TypeMessageStatusChanged, 2)
	sink.mu.Lock()
	var order []string
	for _, ev := range sink.got {
		if ev.Type != event.TypeMessageStatusChanged {
			continue
		}
		var pl event.MessageStatusChangedPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &pl))
		order = append(order, pl.Status)
	}
	sink.mu.Unlock()
	assert.Equal(t, []string{"delivered", "read"}, order)
}

func TestMarkStatusUnknownMessage(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	err := p.MarkStatus(context.Background(), "nope", StatusDelivered, "bob")
	require.Error(t, err)
	assert.True(t, errs.ErrMessageNotFound.Is(err))
}

func TestBacklogListsSinceSeq(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Submit(ctx, "c1", "alice", fmt.Sprintf("cid-%d", i), []byte("hi"))
		require.NoError(t, err)
	}

	msgs, err := p.Backlog(ctx, "c1", "bob", 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(3+i), m.Seq)
	}

	_, err = p.Backlog(ctx, "c1", "mallory", 0, 0)
	require.Error(t, err)
	assert.True(t, errs.ErrNotParticipant.Is(err))
}

func TestSeqContinuesAcrossRestart(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.EnsureConversation(ctx, "c1", []string{"alice", "bob"}))

	p1 := NewPipeline(Config{}, store, NewMemSeqAllocator(store), NewMemClientMsgIndex(), nil, nil)
	for i := 0; i < 3; i++ {
		_, err := p1.Submit(ctx, "c1", "alice", fmt.Sprintf("a-%d", i), []byte("hi"))
		require.NoError(t, err)
	}
	p1.Close()

	// 重启：新分配器从 DB 的 max(seq) 续号，不回绕
	p2 := NewPipeline(Config{}, store, NewMemSeqAllocator(store), NewMemClientMsgIndex(), nil, nil)
	defer p2.Close()
	msg, err := p2.Submit(ctx, "c1", "alice", "b-0", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), msg.Seq)
}

type collectArchiver struct {
	mu  sync.Mutex
	got []string
}

func (a *collectArchiver) Archive(ctx context.Context, m *Message) error {
	a.mu.Lock()
	a.got = append(a.got, m.MessageID)
	a.mu.Unlock()
	return nil
}

func TestArchiverReceivesCommittedMessages(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.EnsureConversation(ctx, "c1", []string{"alice", "bob"}))

	arch := &collectArchiver{}
	p := NewPipeline(Config{}, store, NewMemSeqAllocator(store), NewMemClientMsgIndex(), nil, arch)
	defer p.Close()

	msg, err := p.Submit(ctx, "c1", "alice", "cid-1", []byte("hi"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		arch.mu.Lock()
		n := len(arch.got)
		arch.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	arch.mu.Lock()
	defer arch.mu.Unlock()
	require.Len(t, arch.got, 1)
	assert.Equal(t, msg.MessageID, arch.got[0])
}
