package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 校验 websocket 升级请求的来源；allowed 为空时放行全部（开发态）。
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(set) > 0 && c.Request.Method == http.MethodGet && c.Request.URL.Path == "/ws" {
			origin := strings.ToLower(strings.TrimSpace(c.GetHeader("Origin")))
			if origin != "" {
				if _, ok := set[origin]; !ok {
					c.AbortWithStatus(http.StatusForbidden)
					return
				}
			}
		}
		c.Next()
	}
}
