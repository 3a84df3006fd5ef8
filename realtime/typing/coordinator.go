package typing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
	"PulseIM/tools/safe"
)

// Coordinator collapses raw keystroke signals into exactly one
// typing_started per burst and exactly one typing_stopped when the burst
// ends, however it ends (explicit stop, expiry, or disconnect). Callers can
// spam NotifyTyping on every keystroke; each call only re-arms the TTL.

const defaultTTL = 3 * time.Second

type Config struct {
	TTL time.Duration // 无信号超过该时长视为停止输入
}

type Coordinator struct {
	cache *ttlcache.Cache[string, string]
	bus   *bus.Bus

	mu     sync.Mutex
	active map[string]map[string]struct{} // convID -> userID set

	closeOnce sync.Once
}

func NewCoordinator(conf Config, b *bus.Bus) *Coordinator {
	ttl := conf.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Coordinator{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
		),
		bus:    b,
		active: make(map[string]map[string]struct{}),
	}
	c.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		convID, userID, ok := splitKey(item.Key())
		if !ok {
			return
		}
		c.stopped(convID, userID)
	})
	safe.SafeGo(c.cache.Start) // 过期驱动协程
	return c
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { c.cache.Stop() })
}

// NotifyTyping records a typing signal. The first call of a burst fires
// typing_started; every call re-arms the expiry.
func (c *Coordinator) NotifyTyping(convID, userID string) {
	c.mu.Lock()
	set := c.active[convID]
	if set == nil {
		set = make(map[string]struct{})
		c.active[convID] = set
	}
	_, already := set[userID]
	if !already {
		set[userID] = struct{}{}
	}
	c.mu.Unlock()

	if !already {
		c.publish(event.TypeTypingStarted, convID, userID)
	}
	// 不能持锁调 Set/Delete：淘汰回调会反过来抢 c.mu
	c.cache.Set(joinKey(convID, userID), userID, ttlcache.DefaultTTL)
}

// StopTyping ends the burst immediately (message sent, input cleared,
// session closed). No-op when the user was not typing.
func (c *Coordinator) StopTyping(convID, userID string) {
	c.cache.Delete(joinKey(convID, userID)) // 停止事件由淘汰回调统一发出
}

// SessionGone clears every burst the user had open, for disconnects.
func (c *Coordinator) SessionGone(userID string) {
	c.mu.Lock()
	var keys []string
	for convID, set := range c.active {
		if _, ok := set[userID]; ok {
			keys = append(keys, joinKey(convID, userID))
		}
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.cache.Delete(k)
	}
}

// ActiveTypers returns who is currently typing in the conversation.
func (c *Coordinator) ActiveTypers(convID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.active[convID]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

func (c *Coordinator) stopped(convID, userID string) {
	c.mu.Lock()
	set := c.active[convID]
	if set == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := set[userID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(c.active, convID)
	}
	c.mu.Unlock()

	c.publish(event.TypeTypingStopped, convID, userID)
}

func (c *Coordinator) publish(t event.Type, convID, userID string) {
	topicID := event.ConversationTopic(convID)
	ev := event.New(t, topicID, event.TypingPayload{ConversationID: convID, UserID: userID})
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(topicID, ev); err != nil {
		logger.Warnf("[typing] publish %s conv=%s user=%s err=%v", t, convID, userID, err)
	}
}

func joinKey(convID, userID string) string { return convID + "\x00" + userID }

func splitKey(key string) (convID, userID string, ok bool) {
	i := strings.IndexByte(key, '\x00')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
