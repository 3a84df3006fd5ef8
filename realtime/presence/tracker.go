package presence

import (
	"sync"
	"time"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
	"PulseIM/tools/safe"
)

// Status 用户在线状态（对外只暴露一条合并后的记录）
type Status int

const (
	Offline Status = iota
	Online
	Away
	Busy
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Away:
		return "away"
	case Busy:
		return "busy"
	default:
		return "offline"
	}
}

// Record is the externally visible presence of one user, merged across all
// of that user's sessions. It is derived state: only the tracker mutates it.
type Record struct {
	UserID     string
	Status     Status
	LastSeenMS int64
	Activity   string // optional activity hint ("in_live_room", ...)
}

// Mirror 把在线状态镜像到共享存储（redis），供其他网关节点路由查询。
// 镜像 key 带 TTL，靠心跳 Renew 续期；不续期的长连接会从路由表上消失。
type Mirror interface {
	Online(userID string) error
	Offline(userID string) error
	Renew(userID string) error
}

// ===== 配置 =====

type Config struct {
	AwayAfter    time.Duration    // 连接保持但无活动信号超过该时长 → Away
	SweepEvery   time.Duration    // 检测周期（Away/Offline 判定在一个 tick 内可见）
	OfflineGrace time.Duration    // 掉线宽限：短暂网络抖动不触发 Offline
	Clock        func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Config) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Second
	}
}

// ===== Tracker =====

type userState struct {
	sessions     map[string]struct{}
	lastActivity time.Time
	lastBeat     time.Time
	status       Status
	busy         bool
	activity     string
	graceUntil   time.Time // 最后一个会话掉线后的宽限截止
}

type Tracker struct {
	mu    sync.Mutex
	users map[string]*userState

	conf   Config
	bus    *bus.Bus
	mirror Mirror // 可为 nil（单节点/单测）

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf Config, b *bus.Bus, mirror Mirror) *Tracker {
	conf.norm()
	t := &Tracker{
		users:  make(map[string]*userState),
		conf:   conf,
		bus:    b,
		mirror: mirror,
		stopCh: make(chan struct{}),
	}
	safe.SafeGo(t.sweeper)
	return t
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// SessionUp registers a session for the user. The Online transition is
// immediate (same tick as the triggering connect/heartbeat).
func (t *Tracker) SessionUp(userID, sessionID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	st := t.users[userID]
	if st == nil {
		st = &userState{sessions: make(map[string]struct{}), status: Offline}
		t.users[userID] = st
	}
	st.sessions[sessionID] = struct{}{}
	st.lastActivity = now
	st.lastBeat = now
	st.graceUntil = time.Time{}
	t.transitionLocked(userID, st, t.resolveLocked(st), now)
	t.mu.Unlock()
}

// SessionDown removes a session. Idempotent: unknown sessions and repeated
// calls are no-ops and never double-fire an offline event.
func (t *Tracker) SessionDown(userID, sessionID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return
	}
	if _, ok := st.sessions[sessionID]; !ok {
		return
	}
	delete(st.sessions, sessionID)
	if len(st.sessions) > 0 {
		return // 多端：仍有会话在线，对外状态不变
	}
	if t.conf.OfflineGrace > 0 {
		st.graceUntil = now.Add(t.conf.OfflineGrace)
		return // 宽限期内由 sweeper 判定
	}
	t.transitionLocked(userID, st, Offline, now)
}

// Heartbeat renews liveness. A heartbeat alone does not clear Away — only
// an activity signal does.
func (t *Tracker) Heartbeat(userID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return
	}
	st.lastBeat = now
	if st.status == Offline && len(st.sessions) > 0 {
		t.transitionLocked(userID, st, t.resolveLocked(st), now)
		return // transition 已经把镜像置为在线，TTL 是新的
	}
	if t.mirror != nil && len(st.sessions) > 0 {
		if err := t.mirror.Renew(userID); err != nil {
			logger.Warnf("[presence] mirror renew user=%s err=%v", userID, err)
		}
	}
}

// Activity marks user activity; promotion from Away back to Online is
// immediate.
func (t *Tracker) Activity(userID string, hint string) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return
	}
	st.lastActivity = now
	if hint != "" {
		st.activity = hint
	}
	if len(st.sessions) > 0 {
		t.transitionLocked(userID, st, t.resolveLocked(st), now)
	}
}

// SetBusy toggles the do-not-disturb flag. Still derived through the
// tracker, never written by callers directly.
func (t *Tracker) SetBusy(userID string, busy bool) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return
	}
	st.busy = busy
	if len(st.sessions) > 0 {
		t.transitionLocked(userID, st, t.resolveLocked(st), now)
	}
}

// Get returns the merged record for a user.
func (t *Tracker) Get(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	if st == nil {
		return Record{UserID: userID, Status: Offline}
	}
	return Record{
		UserID:     userID,
		Status:     st.status,
		LastSeenMS: st.lastBeat.UnixMilli(),
		Activity:   st.activity,
	}
}

// IsOnline 是否有任一会话在线
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.users[userID]
	return st != nil && len(st.sessions) > 0
}

// resolveLocked 根据会话与活动信号推导外部状态
func (t *Tracker) resolveLocked(st *userState) Status {
	if len(st.sessions) == 0 {
		return Offline
	}
	if st.busy {
		return Busy
	}
	if t.conf.Clock().Sub(st.lastActivity) > t.conf.AwayAfter {
		return Away
	}
	return Online
}

// transitionLocked 只有状态真正变化才发事件（心跳不发），控制扇出量
func (t *Tracker) transitionLocked(userID string, st *userState, next Status, now time.Time) {
	if st.status == next {
		return
	}
	old := st.status
	st.status = next

	ev := event.New(event.TypePresenceChanged, event.UserTopic(userID), event.PresenceChangedPayload{
		UserID:    userID,
		OldStatus: old.String(),
		NewStatus: next.String(),
		LastSeen:  now.UnixMilli(),
	})
	if t.bus != nil {
		if _, err := t.bus.Publish(event.UserTopic(userID), ev); err != nil {
			logger.Warnf("[presence] publish change user=%s err=%v", userID, err)
		}
	}

	if t.mirror != nil {
		var err error
		if next == Offline {
			err = t.mirror.Offline(userID)
		} else if old == Offline {
			err = t.mirror.Online(userID)
		}
		if err != nil {
			logger.Warnf("[presence] mirror user=%s err=%v", userID, err)
		}
	}
}

// ===== 清理协程 =====

func (t *Tracker) sweeper() {
	tick := time.NewTicker(t.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-tick.C:
			t.sweepOnce()
		}
	}
}

func (t *Tracker) sweepOnce() {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, st := range t.users {
		if len(st.sessions) == 0 {
			// 掉线宽限已过 → Offline；否则等下个 tick
			if st.status != Offline && !st.graceUntil.IsZero() && now.After(st.graceUntil) {
				t.transitionLocked(userID, st, Offline, now)
			}
			if st.status == Offline {
				delete(t.users, userID)
			}
			continue
		}
		if next := t.resolveLocked(st); next != st.status {
			t.transitionLocked(userID, st, next, now)
		}
	}
}
