package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"PulseIM/logger"
	midsec "PulseIM/middleware/security"
	"PulseIM/realtime/event"
	"PulseIM/tools/errs"
	"PulseIM/tools/ids"
	"PulseIM/tools/safe"
	sec "PulseIM/tools/security"
)

// ===== websocket 接入 =====

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin 校验在 gin 中间件层做过了
	CheckOrigin: func(r *http.Request) bool { return true },
}

func jwtOptions(secret []byte) sec.Options { return sec.DefaultOptions(secret) }

// handleWS 升级连接并接管整个会话生命周期。读循环占住本协程，
// 写由 writePump 单独跑，两边任何一边出错都汇到 mgr.Remove。
func (s *Server) handleWS(c *gin.Context) {
	token := midsec.TokenFrom(c, &midsec.Options{
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		AllowQueryToken:           true, // 浏览器 websocket 带不了自定义 header
	})
	if token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	claims, err := sec.Verify(jwtOptions(s.conf.JWTSecret), token, "")
	if err != nil || claims.Subject() == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	userID := claims.Subject()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade failed user=%s: %v", userID, err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.conf.FrameRate), s.conf.FrameBurst)
	sess := newSession(ids.GenerateString(), userID, c.ClientIP(), conn,
		s.conf.SendQueue, s.conf.ReseqHold, limiter, s.conf.Manager.Clock)

	if err := s.mgr.Add(sess); err != nil {
		logger.Warnf("[gateway] reject session user=%s: %v", userID, err)
		_ = conn.Close()
		return
	}
	s.deps.Presence.SessionUp(userID, sess.ID)

	// 每个会话天然订阅自己的 user topic：在线状态、通知、状态回执都走这里
	userTopic := event.UserTopic(userID)
	sess.trackSub(userTopic, s.deps.Bus.Subscribe(userTopic, s.fanout.SinkFor(sess)))

	ack := event.New(event.TypeConnAck, userTopic, event.ConnAckPayload{
		SessionID:       sess.ID,
		GatewayID:       s.conf.GatewayID,
		HeartbeatMS:     int64(s.conf.Manager.HeartbeatEvery / time.Millisecond),
		HeartbeatMisses: s.conf.Manager.MissLimit,
	})
	sess.Enqueue(ack.Encode(), true)

	s.replayNotifications(sess)

	safe.SafeGo(func() {
		sess.writePump(s.conf.Manager.HeartbeatEvery, s.conf.WriteTimeout)
	})

	s.readLoop(sess, conn)
	s.mgr.Remove(sess.ID, "connection closed")
}

// replayNotifications 上线即补投离线期间积压的通知。
func (s *Server) replayNotifications(sess *Session) {
	evs, err := s.deps.Broadcaster.DrainBacklog(sess.UserID, 200)
	if err != nil {
		logger.Warnf("[gateway] drain backlog user=%s: %v", sess.UserID, err)
		return
	}
	for _, ev := range evs {
		sess.Enqueue(ev.Encode(), true)
	}
	if len(evs) > 0 {
		logger.Infof("[gateway] replayed %d notifications user=%s", len(evs), sess.UserID)
	}
}

func (s *Server) readLoop(sess *Session, conn *websocket.Conn) {
	readTimeout := s.conf.Manager.HeartbeatEvery * time.Duration(s.conf.Manager.MissLimit+1)
	conn.SetReadLimit(s.conf.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("[gateway] read session=%s: %v", sess.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !sess.limiter.Allow() {
			s.sendError(sess, ClientFrame{Op: "rate"}, errQuota)
			continue
		}

		fr, err := decodeFrame(raw)
		if err != nil {
			s.sendError(sess, fr, err)
			continue
		}
		h, ok := s.handlers[fr.Op]
		if !ok {
			s.sendError(sess, fr, errUnknownOp)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h(ctx, sess, fr); err != nil {
			s.sendError(sess, fr, err)
		}
		cancel()
	}
}

var (
	errQuota     = errs.New("rate limit exceeded")
	errUnknownOp = errs.New("unknown op")
)
