package middleware

import (
	"net/http"
	"strings"

	"wrap-studio/app/auth"
	"wrap-studio/app/config"

	"github.com/gin-gonic/gin"
)

// ContextUserID gin 上下文中保存用户 ID 的键
const ContextUserID = "user_id"

// JWTAuth JWT认证中间件
func JWTAuth(cfg *config.Config) gin.HandlerFunc {
	jwtService := auth.NewJWTService(cfg)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		// 检查Bearer前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
			})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token: " + err.Error(),
			})
			c.Abort()
			return
		}

		// 将用户信息存储到上下文中
		c.Set(ContextUserID, claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// UserID 读取 JWTAuth 写入的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
