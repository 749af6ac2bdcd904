// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"echo-bot-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 创建一个 Gin 中间件，用于网关 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将网关主体存入 Gin 的上下文中。
// WebSocket 握手无法自定义请求头，因此同时接受 query 参数 token。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""

		// 从 Authorization 请求头中获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
				return
			}
			tokenString = strings.TrimPrefix(authHeader, bearerPrefix)
		} else {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			// 如果两处都没有 token，则中止请求，返回未授权状态
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权凭证"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		// 将网关主体存储在 context 中，供后续处理函数使用
		c.Set("principal", claims.Principal)
		c.Set("claims", claims)

		// 继续处理请求链中的下一个处理器
		c.Next()
	}
}
