/*
 * @Description:
 * @Author: 安知鱼
 * @Date: 2025-08-03 11:30:55
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/anzhiyu-c/anheyu-upload/internal/app/middleware"
	upload_handler "github.com/anzhiyu-c/anheyu-upload/pkg/handler/upload"
)

// Router 聚合了注册路由所需的处理器与中间件。
type Router struct {
	mw            *middleware.Middleware
	uploadHandler *upload_handler.Handler
}

// NewRouter 是 Router 的构造函数
func NewRouter(mw *middleware.Middleware, uploadHandler *upload_handler.Handler) *Router {
	return &Router{
		mw:            mw,
		uploadHandler: uploadHandler,
	}
}

// Setup 在给定的 gin 引擎上注册全部路由。
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Cors())

	api := engine.Group("/api")
	api.Use(middleware.CustomRateLimit(600, 1200))

	upload := api.Group("/upload")
	{
		// 创建会话不需要凭证，这是凭证的签发入口
		upload.POST("/create", r.uploadHandler.CreateUploadSession)

		// 携带凭证的协议操作
		authed := upload.Group("").Use(r.mw.UploadTokenAuth())
		{
			authed.PATCH("/verify", r.uploadHandler.VerifyHash)
			authed.POST("/chunk", r.uploadHandler.UploadChunk)
			authed.POST("/merge", r.uploadHandler.Merge)
			authed.DELETE("/session", r.uploadHandler.DeleteUploadSession)
		}

		// 下载与进度查询按 uploadId 寻址，不依赖凭证
		upload.GET("/file/:uploadId/:fileName", r.uploadHandler.Download)
		upload.GET("/progress/:uploadId", r.uploadHandler.GetProgress)
	}
}
