package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errs "PulseIM/tools/errs"
)

// Mode 工作模式
type Mode int

const (
	Core          Mode = iota // 无持久化
	JetStreamPush             // JS 推送订阅
	JetStreamPull             // JS 拉取订阅
)

// Route 路由配置（按 Biz 维度注册）
type Route struct {
	Biz           string
	Subject       string
	Mode          Mode
	Queue         string // 队列组（Core/JS Push）
	Durable       string // JS durable 名
	AckWait       time.Duration
	MaxAckPending int
}

// Config 客户端配置
type Config struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	ReconnectWait   time.Duration
	Timeout         time.Duration
	PublishAsyncMax int
}

// Client 统一客户端
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.RWMutex
	routes map[string]Route              // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Client{
		cfg:    cfg,
		nc:     nc,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭：先 drain 订阅再 drain 连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return errs.Wrap(err)
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 Biz 路由
func (c *Client) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errs.New("invalid route", "biz", r.Biz, "subject", r.Subject)
	}
	if r.Mode == JetStreamPush || r.Mode == JetStreamPull {
		if err := c.ensureJS(); err != nil {
			return err
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func (c *Client) route(biz string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}
