// internal/app/middleware/upload_token.go
package middleware

import (
	"net/http"

	"github.com/anzhiyu-c/anheyu-upload/internal/pkg/uploadtoken"
	"github.com/anzhiyu-c/anheyu-upload/pkg/constant"
	"github.com/anzhiyu-c/anheyu-upload/pkg/response"

	"github.com/gin-gonic/gin"
)

type Middleware struct {
	jwtSecret []byte
}

func NewMiddleware(jwtSecret []byte) *Middleware {
	return &Middleware{jwtSecret: jwtSecret}
}

// UploadTokenAuth 是一个强制性的上传凭证认证中间件。
// 凭证从 Upload-Token 请求头读取，解析后的会话信息放入上下文供处理器使用。
func (m *Middleware) UploadTokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Request.Header.Get(constant.HeaderUploadToken)
		if tokenString == "" {
			response.Fail(c, http.StatusUnauthorized, "请求未携带上传凭证，无权限访问")
			c.Abort()
			return
		}

		claims, err := uploadtoken.Parse(tokenString, m.jwtSecret)
		if err != nil {
			response.Fail(c, http.StatusUnauthorized, "无效或过期的上传凭证")
			c.Abort()
			return
		}

		c.Set(uploadtoken.ClaimsKey, claims)
		c.Next()
	}
}
