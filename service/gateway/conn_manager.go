package gateway

import (
	"sort"
	"sync"
	"time"

	"PulseIM/logger"
	"PulseIM/tools/errs"
	"PulseIM/tools/safe"
)

// ===== 连接管理 =====

type ManagerConf struct {
	HeartbeatEvery time.Duration // 期望的客户端心跳间隔，随 conn_ack 下发
	MissLimit      int           // 连续丢几拍判定连接死亡
	SweepEvery     time.Duration
	MaxPerUser     int  // 单用户并发会话上限
	EvictOldest    bool // 超限时挤掉最老会话；false 则拒绝新连接
	Clock          func() time.Time
}

func (c *ManagerConf) norm() {
	c.HeartbeatEvery = safe.DefaultDur(c.HeartbeatEvery, 25*time.Second)
	if c.MissLimit <= 0 {
		c.MissLimit = 2
	}
	c.SweepEvery = safe.DefaultDur(c.SweepEvery, 5*time.Second)
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 8
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager 维护 sessionID / userID 两套索引，外加一个扫描协程
// 清理心跳超时的连接。淘汰和显式断开都走同一条 Remove 路径。
type Manager struct {
	conf ManagerConf

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session

	onClose func(s *Session, reason string)

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(conf ManagerConf, onClose func(s *Session, reason string)) *Manager {
	conf.norm()
	m := &Manager{
		conf:    conf,
		byID:    make(map[string]*Session),
		byUser:  make(map[string]map[string]*Session),
		onClose: onClose,
		stop:    make(chan struct{}),
	}
	safe.SafeGo(m.sweeper)
	return m
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	for _, s := range m.snapshot() {
		m.Remove(s.ID, "manager shutdown")
	}
}

// Add 注册会话；同用户超限时按配置挤旧或拒新。
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	if _, dup := m.byID[s.ID]; dup {
		m.mu.Unlock()
		return errs.ErrSessionExists.WrapMsg("add", "session", s.ID)
	}
	var evict *Session
	if set := m.byUser[s.UserID]; len(set) >= m.conf.MaxPerUser {
		if !m.conf.EvictOldest {
			m.mu.Unlock()
			return errs.New("too many sessions", "user", s.UserID, "max", m.conf.MaxPerUser)
		}
		evict = oldestLocked(set)
	}
	m.byID[s.ID] = s
	set := m.byUser[s.UserID]
	if set == nil {
		set = make(map[string]*Session)
		m.byUser[s.UserID] = set
	}
	set[s.ID] = s
	m.mu.Unlock()

	if evict != nil {
		logger.Infof("[gateway] evict oldest session=%s user=%s", evict.ID, evict.UserID)
		m.Remove(evict.ID, "evicted: too many sessions")
	}
	return nil
}

func oldestLocked(set map[string]*Session) *Session {
	var out *Session
	for _, s := range set {
		if out == nil || s.CreatedAt.Before(out.CreatedAt) {
			out = s
		}
	}
	return out
}

// Remove 幂等下线：重复调用只有第一次生效（索引删除成功才回调）。
func (m *Manager) Remove(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		if set := m.byUser[s.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.Close()
	if m.onClose != nil {
		m.onClose(s, reason)
	}
	return true
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// SessionsOf 返回用户全部在线会话，按建立时间排序。
func (m *Manager) SessionsOf(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) UserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce 心跳超时 = 间隔 × 容忍拍数。pong 和业务心跳帧都会 Touch。
func (m *Manager) sweepOnce() {
	deadline := m.conf.Clock().UnixMilli() - int64(m.conf.HeartbeatEvery/time.Millisecond)*int64(m.conf.MissLimit)
	for _, s := range m.snapshot() {
		if s.LastBeatMS() < deadline {
			logger.Infof("[gateway] heartbeat timeout session=%s user=%s", s.ID, s.UserID)
			m.Remove(s.ID, "heartbeat timeout")
		}
	}
}
