package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"PulseIM/logger"
	"PulseIM/middleware"
	midsec "PulseIM/middleware/security"
	"PulseIM/realtime/broadcast"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/delivery"
	"PulseIM/realtime/event"
	"PulseIM/realtime/presence"
	"PulseIM/realtime/typing"
	"PulseIM/tools/errs"
	"PulseIM/tools/safe"
)

// ===== 网关服务 =====

type Config struct {
	Addr           string
	GatewayID      string
	JWTSecret      []byte
	AllowedOrigins []string

	Manager       ManagerConf
	SendQueue     int           // 每会话出站队列
	ReseqHold     time.Duration // 乱序事件的补洞等待
	FrameRate     float64       // 每连接上行帧速率
	FrameBurst    int
	ReadLimit     int64
	WriteTimeout  time.Duration
	FanoutWorkers int
	FanoutQueue   int
}

func (c *Config) norm() {
	c.Addr = safe.DefaultString(c.Addr, ":8080")
	c.GatewayID = safe.DefaultString(c.GatewayID, "gw-1")
	c.Manager.norm()
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	c.ReseqHold = safe.DefaultDur(c.ReseqHold, 2*time.Second)
	if c.FrameRate <= 0 {
		c.FrameRate = 50
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 100
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	c.WriteTimeout = safe.DefaultDur(c.WriteTimeout, 10*time.Second)
}

// Deps 网关依赖的核心组件，全部由 main 装配后注入。
type Deps struct {
	Bus         *bus.Bus
	Presence    *presence.Tracker
	Typing      *typing.Coordinator
	Pipeline    *delivery.Pipeline
	Broadcaster *broadcast.Broadcaster
	Store       delivery.Store
}

type opHandler func(ctx context.Context, s *Session, fr ClientFrame) error

type Server struct {
	conf Config
	deps Deps

	mgr      *Manager
	fanout   *Fanout
	handlers map[string]opHandler

	httpSrv *http.Server
}

func NewServer(conf Config, deps Deps) *Server {
	conf.norm()
	safe.MustNotNil(deps.Bus, "bus")
	safe.MustNotNil(deps.Presence, "presence tracker")
	safe.MustNotNil(deps.Typing, "typing coordinator")
	safe.MustNotNil(deps.Pipeline, "delivery pipeline")
	safe.MustNotNil(deps.Broadcaster, "broadcaster")

	s := &Server{conf: conf, deps: deps}
	s.mgr = NewManager(conf.Manager, s.onSessionClose)
	s.fanout = NewFanout(conf.FanoutWorkers, conf.FanoutQueue, deps.Pipeline)
	s.handlers = map[string]opHandler{
		OpHeartbeat:   s.opHeartbeat,
		OpSubscribe:   s.opSubscribe,
		OpUnsubscribe: s.opUnsubscribe,
		OpSend:        s.opSend,
		OpAck:         s.opAck,
		OpTyping:      s.opTyping,
		OpReact:       s.opReact,
		OpActivity:    s.opActivity,
		OpBusy:        s.opBusy,
	}
	return s
}

// Manager 暴露给装配层：broadcaster 的在线判定要用它。
func (s *Server) Manager() *Manager { return s.mgr }

func (s *Server) Run() error {
	middleware.ConfigAuth(&midsec.Options{
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		JWT:                       jwtOptions(s.conf.JWTSecret),
	})

	middleware.Manager().Add(middleware.Origin(s.conf.AllowedOrigins))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Manager().Use())

	engine.GET("/ws", s.handleWS)
	s.registerHTTP(engine)

	s.httpSrv = &http.Server{Addr: s.conf.Addr, Handler: engine}
	logger.Infof("[gateway] %s listening on %s", s.conf.GatewayID, s.conf.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.WrapMsg(err, "gateway listen", "addr", s.conf.Addr)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.mgr.Close()
	s.fanout.Close()
	return err
}

// onSessionClose 会话下线的统一出口：退订、在线状态回收、输入指示收尾。
func (s *Server) onSessionClose(sess *Session, reason string) {
	for _, sub := range sess.takeSubs() {
		s.deps.Bus.Unsubscribe(sub)
	}
	s.deps.Presence.SessionDown(sess.UserID, sess.ID)
	if !s.mgr.UserOnline(sess.UserID) {
		// 最后一条会话没了，把该用户挂着的输入指示全部停掉
		s.deps.Typing.SessionGone(sess.UserID)
	}
	logger.Infof("[gateway] session closed id=%s user=%s reason=%q dropped=%d",
		sess.ID, sess.UserID, reason, sess.Dropped())
}

// sendError 把处理失败回给客户端；code 为 0 时落到系统错误段。
func (s *Server) sendError(sess *Session, fr ClientFrame, err error) {
	code := codeOf(err)
	ev := event.New(event.TypeError, event.UserTopic(sess.UserID), event.ErrorPayload{
		Code:   code,
		Msg:    err.Error(),
		Detail: "op=" + fr.Op + " id=" + fr.ID,
	})
	sess.Enqueue(ev.Encode(), false)
}

func codeOf(err error) int {
	switch {
	case errs.ErrConversationNotFound.Is(err):
		return errs.ConversationNotFound
	case errs.ErrNotParticipant.Is(err):
		return errs.SenderNotParticipant
	case errs.ErrMessageNotFound.Is(err):
		return errs.MessageNotFoundCode
	case errs.ErrDuplicatePayload.Is(err):
		return errs.DuplicatePayloadCode
	case errs.ErrQueueFull.Is(err):
		return errs.SubscriberQueueFull
	case errs.ErrNotSubscribed.Is(err):
		return errs.TopicNotSubscribed
	default:
		return errs.ServerInternalError
	}
}
