/*
 * @Description: 应用的组装与生命周期管理
 * @Author: 安知鱼
 * @Date: 2025-08-03 14:20:18
 * @LastEditTime: 2025-08-14 13:00:20
 * @LastEditors: 安知鱼
 */
package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"

	"github.com/anzhiyu-c/anheyu-upload/internal/app/middleware"
	"github.com/anzhiyu-c/anheyu-upload/internal/app/task"
	"github.com/anzhiyu-c/anheyu-upload/internal/infra/persistence"
	"github.com/anzhiyu-c/anheyu-upload/internal/infra/router"
	"github.com/anzhiyu-c/anheyu-upload/internal/infra/storage"
	"github.com/anzhiyu-c/anheyu-upload/pkg/config"
	"github.com/anzhiyu-c/anheyu-upload/pkg/domain/repository"
	upload_handler "github.com/anzhiyu-c/anheyu-upload/pkg/handler/upload"
	upload_service "github.com/anzhiyu-c/anheyu-upload/pkg/service/upload"
	"github.com/anzhiyu-c/anheyu-upload/pkg/service/utility"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// App 持有应用的全部长生命周期组件。
type App struct {
	cfg         *config.Config
	engine      *gin.Engine
	scheduler   *task.Scheduler
	sessionRepo repository.SessionRepository
	cacheSvc    utility.CacheService
	uploadSvc   upload_service.IUploadService
	assemblySvc *upload_service.AssemblyService
	mw          *middleware.Middleware
}

// NewApp 组装整个应用：配置 -> 存储 -> 服务 -> 路由。
// 返回的 cleanup 函数负责释放资源，应在进程退出前调用。
func NewApp() (*App, func(), error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	// --- 基础设施 ---
	baseDir := cfg.GetString(config.KeyUploadBaseDir)
	if baseDir == "" {
		baseDir = "data/uploads"
	}

	sessionRepo, err := persistence.NewFileSessionRepository(filepath.Join(baseDir, "metadata"))
	if err != nil {
		return nil, nil, err
	}
	chunkStore, err := storage.NewChunkStore(filepath.Join(baseDir, "chunks"))
	if err != nil {
		return nil, nil, err
	}
	assemblySvc, err := upload_service.NewAssemblyService(chunkStore, filepath.Join(baseDir, "files"))
	if err != nil {
		return nil, nil, err
	}

	// Redis 可选，未配置时降级为内存缓存
	var redisClient *redis.Client
	if addr := cfg.GetString(config.KeyRedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.GetString(config.KeyRedisPassword),
			DB:       cfg.GetInt(config.KeyRedisDB),
		})
	}
	cacheSvc := utility.NewCacheServiceWithFallback(redisClient)

	// --- 凭证密钥 ---
	jwtSecret := []byte(cfg.GetString(config.KeyServerJwtSecret))
	if len(jwtSecret) == 0 {
		// 未配置时随机生成；重启后旧凭证失效，生产环境应当固定配置
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("生成随机凭证密钥失败: %w", err)
		}
		jwtSecret = []byte(hex.EncodeToString(buf))
		log.Println("警告: 未配置 JwtSecret，已随机生成临时密钥。")
	}

	// --- 业务服务 ---
	uploadSvc := upload_service.NewUploadService(sessionRepo, chunkStore, cacheSvc, upload_service.Options{
		ChunkSize:    cfg.GetInt64(config.KeyUploadChunkSize),
		MaxFileSize:  cfg.GetInt64(config.KeyUploadMaxFileSize),
		MaxChunkSize: cfg.GetInt64(config.KeyUploadMaxChunkSize),
		JwtSecret:    jwtSecret,
	})

	// --- HTTP 层 ---
	if cfg.GetBool(config.KeyServerDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.Default()
	// 分片走 multipart 表单，内存中至多缓冲 8MB，超出部分写入临时文件
	engine.MaxMultipartMemory = 8 << 20

	mw := middleware.NewMiddleware(jwtSecret)
	uploadHandler := upload_handler.NewHandler(uploadSvc, assemblySvc)
	router.NewRouter(mw, uploadHandler).Setup(engine)

	// --- 后台任务 ---
	scheduler := task.NewScheduler(sessionRepo)

	app := &App{
		cfg:         cfg,
		engine:      engine,
		scheduler:   scheduler,
		sessionRepo: sessionRepo,
		cacheSvc:    cacheSvc,
		uploadSvc:   uploadSvc,
		assemblySvc: assemblySvc,
		mw:          mw,
	}

	cleanup := func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Printf("关闭 Redis 客户端失败: %v", err)
			}
		}
	}
	return app, cleanup, nil
}

// Engine 返回底层的 gin 引擎（测试时用于 httptest 挂载）
func (a *App) Engine() *gin.Engine {
	return a.engine
}

// Config 返回配置实例
func (a *App) Config() *config.Config {
	return a.cfg
}

func (a *App) Run() error {
	if err := a.scheduler.RegisterJobs(); err != nil {
		return fmt.Errorf("注册定时任务失败: %w", err)
	}
	a.scheduler.Start()

	port := a.cfg.GetString(config.KeyServerPort)
	if port == "" {
		port = "8091"
	}
	fmt.Printf("应用程序启动成功，正在监听端口: %s\n", port)

	return a.engine.Run(":" + port)
}

func (a *App) Stop() {
	if a.scheduler != nil {
		a.scheduler.Stop()
		log.Println("任务调度器已停止。")
	}
}
