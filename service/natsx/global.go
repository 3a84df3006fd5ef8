package natsx

import (
	"context"
	"sync"
	"time"

	"PulseIM/logger"
	errs "PulseIM/tools/errs"
	"PulseIM/tools/safe"
)

var (
	globalMgr *Manager
	startOnce sync.Once

	mu               sync.Mutex
	pendingRoutes    = make(map[string]Route)     // 启动前缓存的路由
	pendingHandlers  = make(map[string][]Handler) // 启动前缓存的订阅回调
	registeredBizSet = make(map[string]struct{})
	subscribedBizSet = make(map[string]struct{})
	defaultMws       []Middleware
)

// UseGlobalMiddlewares 启动前配置全局中间件（例如幂等）
func UseGlobalMiddlewares(mws ...Middleware) {
	mu.Lock()
	defer mu.Unlock()
	defaultMws = append(defaultMws, mws...)
}

// Start 启动全局 NATS（只会执行一次）。
// 会把启动前通过 RegisterRoute / RegisterHandler 缓存的内容一次性应用。
func Start(cfg Config) error {
	var startErr error
	startOnce.Do(func() {
		mu.Lock()
		mws := append([]Middleware(nil), defaultMws...)
		mu.Unlock()

		mgr, err := NewManager(cfg, mws...)
		if err != nil {
			startErr = err
			return
		}
		globalMgr = mgr

		safe.SafeGo(func() {
			mu.Lock()
			defer mu.Unlock()

			for biz, r := range pendingRoutes {
				if err := globalMgr.RegisterRoute(r); err != nil {
					logger.Errorf("[natsx] register route failed biz=%s: %v", biz, err)
					continue
				}
				registeredBizSet[biz] = struct{}{}
			}
			for biz, hs := range pendingHandlers {
				for _, h := range hs {
					if err := globalMgr.Subscribe(biz, h); err != nil {
						logger.Errorf("[natsx] subscribe failed biz=%s: %v", biz, err)
						continue
					}
				}
				subscribedBizSet[biz] = struct{}{}
			}
			pendingRoutes = make(map[string]Route)
			pendingHandlers = make(map[string][]Handler)
			logger.Infof("[natsx] started, pending routes/handlers applied")
		})
	})
	return startErr
}

// Stop 优雅关闭
func Stop() error {
	mu.Lock()
	defer mu.Unlock()
	if globalMgr == nil {
		return nil
	}
	err := globalMgr.Close()
	globalMgr = nil
	return err
}

// Started 是否已启动（单机部署可以不起 NATS）
func Started() bool {
	mu.Lock()
	defer mu.Unlock()
	return globalMgr != nil
}

// ---------- 对外暴露的全局操作（可在启动前/后调用） ----------

// RegisterRoute 全局注册路由；同 Biz 重复注册幂等跳过
func RegisterRoute(r Route) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registeredBizSet[r.Biz]; ok {
		return nil
	}
	if globalMgr == nil {
		pendingRoutes[r.Biz] = r
		registeredBizSet[r.Biz] = struct{}{}
		return nil
	}
	if err := globalMgr.RegisterRoute(r); err != nil {
		return err
	}
	registeredBizSet[r.Biz] = struct{}{}
	return nil
}

// RegisterHandler 为某个 Biz 注册订阅处理器
func RegisterHandler(biz string, h Handler) error {
	mu.Lock()
	defer mu.Unlock()
	if globalMgr == nil {
		pendingHandlers[biz] = append(pendingHandlers[biz], h)
		return nil
	}
	if err := globalMgr.Subscribe(biz, h); err != nil {
		return err
	}
	subscribedBizSet[biz] = struct{}{}
	return nil
}

// Publish 对外发布消息（需要已启动）
func Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	mu.Lock()
	m := globalMgr
	mu.Unlock()
	if m == nil {
		return errs.New("natsx not started")
	}
	return m.Publish(ctx, biz, data, hdr)
}

// PublishOnce 对外发布消息（带 Nats-Msg-Id 去重）
func PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	mu.Lock()
	m := globalMgr
	mu.Unlock()
	if m == nil {
		return errs.New("natsx not started")
	}
	return m.PublishOnce(ctx, biz, data, hdr, msgID)
}

// PullConsume 对外拉批消费（JetStream Pull）
func PullConsume(ctx context.Context, biz string, batch int, wait time.Duration, h Handler) error {
	mu.Lock()
	m := globalMgr
	mu.Unlock()
	if m == nil {
		return errs.New("natsx not started")
	}
	return m.PullConsume(ctx, biz, batch, wait, h)
}
