package delivery

import (
	"sort"
	"sync"
	"time"

	"PulseIM/realtime/event"
)

// Resequencer re-orders events per topic before they reach one session's
// socket. Cross-node relays can arrive out of order; the client contract is
// non-decreasing seq per topic, so arrivals ahead of the expected seq are
// held briefly. A hole that does not fill within HoldFor is given up on —
// the client detects the gap from the seqs and catches up over HTTP.
type Resequencer struct {
	mu      sync.Mutex
	streams map[string]*stream
	holdFor time.Duration
	clock   func() time.Time
}

type stream struct {
	next    int64 // 下一个期望 seq；0 = 未定位，首个到达的事件定位起点
	pending map[int64]held
}

type held struct {
	ev       event.Envelope
	deadline time.Time
}

func NewResequencer(holdFor time.Duration, clock func() time.Time) *Resequencer {
	if holdFor <= 0 {
		holdFor = 2 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &Resequencer{
		streams: make(map[string]*stream),
		holdFor: holdFor,
		clock:   clock,
	}
}

// Offer feeds one arrival and returns everything now releasable, in order.
// Duplicates and stale seqs release nothing.
func (r *Resequencer) Offer(ev event.Envelope) []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.streams[ev.TopicID]
	if st == nil {
		st = &stream{pending: make(map[int64]held)}
		r.streams[ev.TopicID] = st
	}
	if st.next == 0 {
		st.next = ev.Seq // 定位：订阅后第一个事件就是起点
	}

	switch {
	case ev.Seq < st.next:
		return nil // 重复/迟到
	case ev.Seq > st.next:
		if _, dup := st.pending[ev.Seq]; !dup {
			st.pending[ev.Seq] = held{ev: ev, deadline: r.clock().Add(r.holdFor)}
		}
		return nil
	}

	out := []event.Envelope{ev}
	st.next++
	for {
		h, ok := st.pending[st.next]
		if !ok {
			break
		}
		delete(st.pending, st.next)
		out = append(out, h.ev)
		st.next++
	}
	return out
}

// Flush releases events whose hold deadline passed, skipping the holes
// they were waiting on. Call it from the session's ping ticker.
func (r *Resequencer) Flush() []event.Envelope {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []event.Envelope
	for _, st := range r.streams {
		if len(st.pending) == 0 {
			continue
		}
		expired := false
		for _, h := range st.pending {
			if now.After(h.deadline) {
				expired = true
				break
			}
		}
		if !expired {
			continue
		}
		// 放弃空洞：按 seq 顺序放行所有已缓存事件
		seqs := make([]int64, 0, len(st.pending))
		for s := range st.pending {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, s := range seqs {
			out = append(out, st.pending[s].ev)
			if s >= st.next {
				st.next = s + 1
			}
			delete(st.pending, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TopicID != out[j].TopicID {
			return out[i].TopicID < out[j].TopicID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Reset drops all state for a topic (unsubscribe).
func (r *Resequencer) Reset(topicID string) {
	r.mu.Lock()
	delete(r.streams, topicID)
	r.mu.Unlock()
}
