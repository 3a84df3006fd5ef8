package bus

import (
	"sync"
	"sync/atomic"

	"PulseIM/logger"
	"PulseIM/realtime/event"
	errs "PulseIM/tools/errs"
)

// Sink receives events for one subscriber. Deliver is invoked from the
// subscription's single pump goroutine, so calls arrive in publish order
// and implementations need no locking of their own.
type Sink interface {
	Deliver(ev event.Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev event.Envelope)

func (f SinkFunc) Deliver(ev event.Envelope) { f(ev) }

// ===== 配置 =====

type Config struct {
	QueueSize int // 每个订阅者的出站队列上限（<=0 取默认）
}

const defaultQueueSize = 256

func (c *Config) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Bus 进程内发布/订阅路由。每个 topic 持有独立 seq 与订阅表；
// 同一 topic 上的发布全序交付给每个订阅者；跨 topic 不保证顺序。
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic

	tapMu sync.Mutex
	taps  map[int64]*Subscription

	conf   Config
	nextID int64

	closeOnce sync.Once
	closed    chan struct{}
}

type topic struct {
	mu   sync.Mutex
	seq  int64
	subs map[int64]*Subscription
}

func New(conf Config) *Bus {
	conf.norm()
	return &Bus{
		topics: make(map[string]*topic),
		taps:   make(map[int64]*Subscription),
		conf:   conf,
		closed: make(chan struct{}),
	}
}

func (b *Bus) topicFor(topicID string, create bool) *topic {
	b.mu.RLock()
	t := b.topics[topicID]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[topicID]; t == nil {
		t = &topic{subs: make(map[int64]*Subscription)}
		b.topics[topicID] = t
	}
	return t
}

// Publish stamps the per-topic seq and enqueues the event to every current
// subscriber. Subscribers that join later never receive it (no replay at
// the bus; replay is the producer's job).
//
// Backpressure: a full subscriber queue first sheds its oldest Ephemeral
// event (logged). If the queue holds only Critical events the publish
// reports ErrQueueFull for that subscriber instead of dropping.
func (b *Bus) Publish(topicID string, ev event.Envelope) (int64, error) {
	t := b.topicFor(topicID, true)

	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	ev.TopicID = topicID

	var lastErr error
	for _, sub := range t.subs {
		if err := sub.push(ev); err != nil {
			lastErr = err
		}
	}
	t.mu.Unlock()

	b.tapMu.Lock()
	for _, sub := range b.taps {
		if err := sub.push(ev); err != nil {
			lastErr = err
		}
	}
	b.tapMu.Unlock()
	return ev.Seq, lastErr
}

// Inject delivers an event stamped elsewhere (another node) to local
// subscribers, preserving its seq. Taps are skipped so relayed events never
// bounce back out.
func (b *Bus) Inject(ev event.Envelope) {
	t := b.topicFor(ev.TopicID, true)
	t.mu.Lock()
	if ev.Seq > t.seq {
		t.seq = ev.Seq // 本地计数器跟上远端，避免后续本地发布撞 seq
	}
	for _, sub := range t.subs {
		if err := sub.push(ev); err != nil {
			logger.Warnf("[bus] inject topic=%s seq=%d err=%v", ev.TopicID, ev.Seq, err)
		}
	}
	t.mu.Unlock()
}

// Tap subscribes to every publish on the bus, for cross-node relays.
func (b *Bus) Tap(sink Sink) *Subscription {
	sub := &Subscription{
		id:      atomic.AddInt64(&b.nextID, 1),
		TopicID: "*",
		sink:    sink,
		max:     b.conf.QueueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.tapMu.Lock()
	b.taps[sub.id] = sub
	b.tapMu.Unlock()
	go sub.pump()
	return sub
}

// TopicSeq returns the last assigned seq for the topic (0 when untouched).
func (b *Bus) TopicSeq(topicID string) int64 {
	t := b.topicFor(topicID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

func (b *Bus) SubscriberCount(topicID string) int {
	t := b.topicFor(topicID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscribe registers sink on the topic and starts its pump goroutine.
func (b *Bus) Subscribe(topicID string, sink Sink) *Subscription {
	t := b.topicFor(topicID, true)
	sub := &Subscription{
		id:      atomic.AddInt64(&b.nextID, 1),
		TopicID: topicID,
		sink:    sink,
		max:     b.conf.QueueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	go sub.pump()
	return sub
}

// Unsubscribe removes the subscription and stops its pump. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t := b.topicFor(sub.TopicID, false)
	if t != nil {
		t.mu.Lock()
		delete(t.subs, sub.id)
		t.mu.Unlock()
	}
	b.tapMu.Lock()
	delete(b.taps, sub.id)
	b.tapMu.Unlock()
	sub.close()
}

// Close stops every subscription pump.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range b.topics {
			t.mu.Lock()
			for id, sub := range t.subs {
				sub.close()
				delete(t.subs, id)
			}
			t.mu.Unlock()
		}
		b.tapMu.Lock()
		for id, sub := range b.taps {
			sub.close()
			delete(b.taps, id)
		}
		b.tapMu.Unlock()
	})
}

// ===== 订阅者 =====

// Subscription owns a bounded outbound queue drained by one pump goroutine.
type Subscription struct {
	id      int64
	TopicID string
	sink    Sink

	mu    sync.Mutex
	queue []event.Envelope
	max   int

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped int64 // shed ephemeral events, for observability
}

// Dropped reports how many ephemeral events this subscriber shed under
// backpressure.
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *Subscription) push(ev event.Envelope) error {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		// 先丢最老的非关键事件
		shed := -1
		for i, q := range s.queue {
			if q.Type.Class() == event.ClassEphemeral {
				shed = i
				break
			}
		}
		if shed < 0 && ev.Type.Class() == event.ClassEphemeral {
			// 队列全是关键事件，且新事件本身可丢：丢新事件
			s.mu.Unlock()
			atomic.AddInt64(&s.dropped, 1)
			logger.Warnf("[bus] queue full, drop inbound %s topic=%s seq=%d", ev.Type, ev.TopicID, ev.Seq)
			return nil
		}
		if shed < 0 {
			// 全是关键事件：向生产者报背压，绝不丢消息投递事件
			s.mu.Unlock()
			return errs.ErrQueueFull.WrapMsg("topic", "id", ev.TopicID)
		}
		old := s.queue[shed]
		s.queue = append(s.queue[:shed], s.queue[shed+1:]...)
		atomic.AddInt64(&s.dropped, 1)
		logger.Warnf("[bus] queue full, drop %s topic=%s seq=%d", old.Type, old.TopicID, old.Seq)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		var batch []event.Envelope
		if len(s.queue) > 0 {
			batch = s.queue
			s.queue = nil
		}
		s.mu.Unlock()

		for _, ev := range batch {
			s.sink.Deliver(ev)
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
