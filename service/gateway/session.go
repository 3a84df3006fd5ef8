package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/delivery"
	"PulseIM/realtime/event"
)

// ===== 会话 =====

// Session 一条 websocket 连接。同一用户可以同时挂多条（多端登录），
// 每条各自有独立的发送队列和重排序缓冲。
type Session struct {
	ID        string
	UserID    string
	Remote    string
	CreatedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	reseq   *delivery.Resequencer
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]*bus.Subscription // topicID -> 总线订阅

	lastBeat  int64 // unix ms
	dropped   int64
	done      chan struct{}
	closeOnce sync.Once
	clock     func() time.Time
}

func newSession(id, userID, remote string, conn *websocket.Conn, queue int, holdFor time.Duration, limiter *rate.Limiter, clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	s := &Session{
		ID:        id,
		UserID:    userID,
		Remote:    remote,
		CreatedAt: clock(),
		conn:      conn,
		send:      make(chan []byte, queue),
		reseq:     delivery.NewResequencer(holdFor, clock),
		limiter:   limiter,
		subs:      make(map[string]*bus.Subscription),
		done:      make(chan struct{}),
		clock:     clock,
	}
	s.Touch()
	return s
}

func (s *Session) Touch() {
	atomic.StoreInt64(&s.lastBeat, s.clock().UnixMilli())
}

func (s *Session) LastBeatMS() int64 { return atomic.LoadInt64(&s.lastBeat) }

// Dropped 本会话因队列打满被丢弃的帧数。
func (s *Session) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Deliver 把总线事件经重排序缓冲投入发送队列。乱序事件先压住，
// 等缺口补齐或超时后由 writePump 的 flush 定时器放行。
func (s *Session) Deliver(ev event.Envelope) {
	for _, ordered := range s.reseq.Offer(ev) {
		s.Enqueue(ordered.Encode(), ordered.Type.Class() == event.ClassCritical)
	}
}

// Enqueue 非阻塞入队。队列打满时：非关键帧直接丢；关键帧说明
// 消费端已经拖死，砍掉连接让客户端重连后走 HTTP 补拉，绝不无声吞掉。
func (s *Session) Enqueue(raw []byte, critical bool) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- raw:
		return true
	default:
	}
	if !critical {
		atomic.AddInt64(&s.dropped, 1)
		return false
	}
	logger.Warnf("[gateway] slow consumer, closing session=%s user=%s", s.ID, s.UserID)
	s.Close()
	return false
}

// trackSub 记录总线订阅，会话关闭时统一退订。
func (s *Session) trackSub(topicID string, sub *bus.Subscription) {
	s.mu.Lock()
	s.subs[topicID] = sub
	s.mu.Unlock()
}

func (s *Session) untrackSub(topicID string) *bus.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[topicID]
	if sub != nil {
		delete(s.subs, topicID)
		s.reseq.Reset(topicID)
	}
	return sub
}

func (s *Session) takeSubs() []*bus.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bus.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.subs = make(map[string]*bus.Subscription)
	return out
}

func (s *Session) subscribed(topicID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[topicID]
	return ok
}

// writePump 单写协程：所有出站帧都从这里走，websocket 写不允许并发。
func (s *Session) writePump(pingEvery, writeTimeout time.Duration) {
	ping := time.NewTicker(pingEvery)
	flush := time.NewTicker(time.Second)
	defer func() {
		ping.Stop()
		flush.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), s.clock().Add(writeTimeout))
			return
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(s.clock().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debugf("[gateway] write failed session=%s: %v", s.ID, err)
				s.Close()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.clock().Add(writeTimeout)); err != nil {
				s.Close()
				return
			}
		case <-flush.C:
			// 重排序缓冲里的洞超时了：放弃等待，按序刷出去
			for _, ev := range s.reseq.Flush() {
				s.Enqueue(ev.Encode(), ev.Type.Class() == event.ClassCritical)
			}
		}
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
