package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/delivery"
	"PulseIM/realtime/event"
	"PulseIM/tools/ids"
	"PulseIM/tools/safe"
)

// Broadcaster fans out the high-volume, low-value traffic: reaction counts
// and notifications. Raw signals are absorbed into per-window accumulators;
// one flush tick emits at most one event per dirty counter, so a burst of
// 500 likes inside the window reaches clients as a single delta.

type Config struct {
	CoalesceWindow time.Duration    // 合并窗口；一个窗口最多发一次计数事件
	Clock          func() time.Time // 可注入时钟
}

func (c *Config) norm() {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 200 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// OnlineFunc 判断接收者是否有活跃会话；离线通知进 backlog
type OnlineFunc func(userID string) bool

type reactionKey struct {
	topicID      string
	reactionType string
}

type reactionCounter struct {
	total int64 // 运行总数
	delta int64 // 本窗口累积增量
}

type pendingNotification struct {
	payload event.NotificationPayload
}

type Broadcaster struct {
	conf    Config
	bus     *bus.Bus
	backlog NotificationBacklog // 可为 nil
	online  OnlineFunc          // 可为 nil（视为全员在线）

	mu        sync.Mutex
	reactions map[reactionKey]*reactionCounter
	notifs    map[string]*pendingNotification // recipient|kind|hash

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(conf Config, b *bus.Bus, backlog NotificationBacklog, online OnlineFunc) *Broadcaster {
	conf.norm()
	br := &Broadcaster{
		conf:      conf,
		bus:       b,
		backlog:   backlog,
		online:    online,
		reactions: make(map[reactionKey]*reactionCounter),
		notifs:    make(map[string]*pendingNotification),
		stopCh:    make(chan struct{}),
	}
	safe.SafeGo(br.flusher)
	return br
}

func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.flushOnce() // 关停前清空窗口
}

// React absorbs one user reaction (+1 add, -1 remove). Nothing is
// published until the window flushes. The delta is clamped to a single
// step per call: the client only chooses the direction, never the amount.
func (b *Broadcaster) React(contentID, userID, reactionType string, delta int64) {
	if contentID == "" || userID == "" || reactionType == "" {
		return
	}
	if delta >= 0 {
		delta = 1
	} else {
		delta = -1
	}
	key := reactionKey{topicID: event.ContentTopic(contentID), reactionType: reactionType}
	b.mu.Lock()
	c := b.reactions[key]
	if c == nil {
		c = &reactionCounter{}
		b.reactions[key] = c
	}
	c.total += delta
	if c.total < 0 {
		c.total = 0 // 计数不下穿零（乱序撤销）
	}
	c.delta += delta
	b.mu.Unlock()
}

// Total returns the running total for a counter (0 when untouched).
func (b *Broadcaster) Total(contentID, reactionType string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.reactions[reactionKey{topicID: event.ContentTopic(contentID), reactionType: reactionType}]
	if c == nil {
		return 0
	}
	return c.total
}

// Notify queues one notification. Duplicates within the window — same
// recipient, kind and body — merge into one event with Count bumped.
func (b *Broadcaster) Notify(recipientID, kind string, body map[string]any) {
	raw, _ := json.Marshal(body)
	key := recipientID + "|" + kind + "|" + delivery.HashPayload(raw)

	b.mu.Lock()
	if p, ok := b.notifs[key]; ok {
		p.payload.Count++
		b.mu.Unlock()
		return
	}
	b.notifs[key] = &pendingNotification{payload: event.NotificationPayload{
		NotificationID: ids.GenerateString(),
		RecipientID:    recipientID,
		Kind:           kind,
		Body:           body,
		Count:          1,
		CreatedAtMS:    b.conf.Clock().UnixMilli(),
	}}
	b.mu.Unlock()
}

// DrainBacklog hands back everything queued for the user while offline.
// The gateway calls it on connect and replays straight down the socket.
func (b *Broadcaster) DrainBacklog(recipientID string, n int) ([]event.Envelope, error) {
	if b.backlog == nil {
		return nil, nil
	}
	return b.backlog.Drain(recipientID, n)
}

func (b *Broadcaster) flusher() {
	tick := time.NewTicker(b.conf.CoalesceWindow)
	defer tick.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-tick.C:
			b.flushOnce()
		}
	}
}

func (b *Broadcaster) flushOnce() {
	b.mu.Lock()
	type flushReaction struct {
		key   reactionKey
		delta int64
		total int64
	}
	var dirty []flushReaction
	for key, c := range b.reactions {
		if c.delta == 0 {
			continue
		}
		dirty = append(dirty, flushReaction{key: key, delta: c.delta, total: c.total})
		c.delta = 0
	}
	var notifs []event.NotificationPayload
	for _, p := range b.notifs {
		notifs = append(notifs, p.payload)
	}
	b.notifs = make(map[string]*pendingNotification)
	b.mu.Unlock()

	for _, d := range dirty {
		ev := event.New(event.TypeReactionCountChanged, d.key.topicID, event.ReactionCountChangedPayload{
			TopicID:      d.key.topicID,
			ReactionType: d.key.reactionType,
			Delta:        d.delta,
			Total:        d.total,
		})
		if b.bus == nil {
			continue
		}
		if _, err := b.bus.Publish(d.key.topicID, ev); err != nil {
			logger.Warnf("[broadcast] publish reaction topic=%s err=%v", d.key.topicID, err)
		}
	}

	for _, p := range notifs {
		topicID := event.UserTopic(p.RecipientID)
		ev := event.New(event.TypeNotificationDelivered, topicID, p)
		if b.online != nil && !b.online(p.RecipientID) {
			if b.backlog != nil {
				if err := b.backlog.Enqueue(p.RecipientID, ev); err != nil {
					logger.Warnf("[broadcast] backlog user=%s err=%v", p.RecipientID, err)
				}
			}
			continue
		}
		if b.bus == nil {
			continue
		}
		if _, err := b.bus.Publish(topicID, ev); err != nil {
			logger.Warnf("[broadcast] publish notification user=%s err=%v", p.RecipientID, err)
		}
	}
}
