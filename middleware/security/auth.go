package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"PulseIM/tools/errs"
	sec "PulseIM/tools/security"
)

// —— context key ——
// 下游 handler 统一用这几个 key 读取
const (
	CtxAuthKey   = "authorization" // string，原始 token
	CtxUserIDKey = "authUserID"    // string，校验通过后的 sub
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	AllowQueryToken           bool   // websocket 升级场景：允许 ?token=

	JWT sec.Options
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		HeaderToken:               CtxAuthKey,
		EnableAuthorizationBearer: true,
		AllowQueryToken:           false,
		JWT:                       sec.DefaultOptions(secret),
	}
}

// TokenFrom 按 header / Bearer / query 的顺序取 token。
func TokenFrom(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.AllowQueryToken {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions(nil)
	}
	return func(c *gin.Context) {
		token := TokenFrom(c, opts)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}
		claims, err := sec.Verify(opts.JWT, token, "")
		if err != nil || claims.Subject() == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}
		c.Set(CtxAuthKey, token)
		c.Set(CtxUserIDKey, claims.Subject())
		c.Next()
	}
}

// UserID 读取中间件写入的用户ID；未经过鉴权链路时返回空串。
func UserID(c *gin.Context) string {
	if v, ok := c.Get(CtxUserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
