// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/GrantForgeAI/internal/config"
	"github.com/Corphon/GrantForgeAI/internal/di"
	"github.com/Corphon/GrantForgeAI/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取配置
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// ✅ 只从容器获取服务，不再创建新实例
	wizardService, ok := container.Get("wizard").(*services.WizardService)
	if !ok {
		return nil, fmt.Errorf("向导服务未正确初始化")
	}

	draftService, ok := container.Get("draft").(*services.DraftService)
	if !ok {
		return nil, fmt.Errorf("草稿服务未正确初始化")
	}

	generationService, ok := container.Get("genai").(*services.GenerationService)
	if !ok {
		return nil, fmt.Errorf("生成服务未正确初始化")
	}

	exportService, ok := container.Get("export").(*services.ExportService)
	if !ok {
		return nil, fmt.Errorf("导出服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	// ✅ 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		wizardService,
		draftService,
		generationService,
		exportService,
		progressService,
		configService,
	)

	// 创建路由
	r := gin.Default()

	// 请求ID注入，响应封套和日志追踪都依赖它
	r.Use(RequestIDMiddleware())

	// 启用CORS
	r.Use(corsMiddleware())

	// 按端点记录延迟和状态码
	r.Use(MetricsMiddleware())

	// HTTPS重定向（生产环境）
	if !cfg.DebugMode {
		r.Use(func(c *gin.Context) {
			if c.Request.Header.Get("X-Forwarded-Proto") != "https" {
				c.Redirect(http.StatusPermanentRedirect,
					"https://"+c.Request.Host+c.Request.URL.Path)
				return
			}
			c.Next()
		})
	}

	// WebSocket 支持
	r.GET("/ws/drafts/:id", handler.DraftWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// 基础端点
		api.GET("/health", handler.GetHealth)
		api.GET("/steps", handler.GetSteps)
		api.GET("/metrics", handler.GetMetrics)

		// ===============================
		// 草稿与向导相关路由
		// ===============================
		draftsGroup := api.Group("/drafts")
		{
			draftsGroup.GET("", handler.GetDrafts)
			draftsGroup.POST("", handler.CreateDraft)
			draftsGroup.GET("/:id", handler.GetDraft)
			draftsGroup.DELETE("/:id", handler.DeleteDraft)
			draftsGroup.POST("/:id/restore", handler.RestoreDraft)
			draftsGroup.PUT("/:id/steps/:stepID", handler.UpdateStep)

			// 步骤流转
			draftsGroup.POST("/:id/next", handler.GoNext)
			draftsGroup.POST("/:id/back", handler.GoBack)
			draftsGroup.POST("/:id/jump", handler.JumpTo)
			draftsGroup.GET("/:id/progress", handler.GetProgress)

			// AI生成
			draftsGroup.POST("/:id/generate", GenerationRateLimit(), handler.GenerateAll)
			draftsGroup.POST("/:id/generate/:sectionID", GenerationRateLimit(), handler.GenerateSection)

			// 构建与导出
			draftsGroup.POST("/:id/build", handler.BuildDraft)
			draftsGroup.POST("/:id/reopen", handler.ReopenDraft)
			draftsGroup.POST("/:id/reset", handler.ResetDraft)
			draftsGroup.POST("/:id/flush", handler.FlushDraft)
			draftsGroup.POST("/:id/export", ExportRateLimit(), handler.ExportDraft)
		}

		// 导出文件下载
		api.GET("/exports/:filename", handler.DownloadExport)

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.PUT("", handler.SaveSettings)
			settingsGroup.POST("/test-key", handler.TestGenAIKey)
		}

		// ===============================
		// AI服务相关路由
		// ===============================
		genaiGroup := api.Group("/genai")
		{
			genaiGroup.GET("/status", handler.GetGenAIStatus)
			genaiGroup.GET("/models", handler.GetGenAIModels)
		}

		// ===============================
		// 进度相关
		// ===============================
		api.GET("/progress/:taskID", handler.SubscribeProgress)
		api.POST("/cancel/:taskID", handler.CancelTask)

		// WebSocket 管理路由
		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.GetWebSocketStatus)
			wsGroup.POST("/cleanup", handler.CleanupWebSocketConnections)
		}
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
