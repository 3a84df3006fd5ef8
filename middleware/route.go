package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"

	midsec "PulseIM/middleware/security"
)

// 鉴权中间件在启动时注入一次（带密钥），路由封装处按需挂载。
var authMid atomic.Value // gin.HandlerFunc

func ConfigAuth(opts *midsec.Options) {
	authMid.Store(midsec.Middleware(opts))
}

func auth() gin.HandlerFunc {
	if h, ok := authMid.Load().(gin.HandlerFunc); ok {
		return h
	}
	return midsec.Middleware(nil) // 未配置：一律 401
}

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.POST(path, auth(), handler)
	} else {
		r.POST(path, handler)
	}
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.GET(path, auth(), handler)
	} else {
		r.GET(path, handler)
	}
}
