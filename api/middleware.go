package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/oh0123/prim/tools/security"
)

// context key，后续handler统一用它取鉴权身份
const ctxAccountKey = "authAccount"

// BearerAuth 校验 Authorization: Bearer <token>，把账号写进context
func BearerAuth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{})
			return
		}
		account, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{})
			return
		}
		c.Set(ctxAccountKey, account)
		c.Next()
	}
}

// Account 读取中间件写入的鉴权身份；未鉴权路由上调用返回0
func Account(c *gin.Context) uint64 {
	v, ok := c.Get(ctxAccountKey)
	if !ok {
		return 0
	}
	account, _ := v.(uint64)
	return account
}
