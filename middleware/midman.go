package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// 全局中间件链：启动装配阶段往里塞，挂到 Engine 上以后也能
// 热插拔（运营开关、灰度放量这类场景）。

var (
	globalMgr *Chain
	once      sync.Once
)

type Chain struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

// Manager 获取全局链（惰性初始化，线程安全）。
func Manager() *Chain {
	once.Do(func() { globalMgr = &Chain{} })
	return globalMgr
}

// Add 追加一个中间件。
func (m *Chain) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	m.mids = append(m.mids, h)
	m.mu.Unlock()
}

// Clear 清空全部中间件。
func (m *Chain) Clear() {
	m.mu.Lock()
	m.mids = nil
	m.mu.Unlock()
}

// Use 返回总控 handler，挂到 Engine 上；每个请求取一份快照执行。
func (m *Chain) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...)
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
