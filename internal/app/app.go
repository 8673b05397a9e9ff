// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/config"
	"github.com/Corphon/GrantForgeAI/internal/di"
	"github.com/Corphon/GrantForgeAI/internal/services"
	"github.com/Corphon/GrantForgeAI/internal/steps"
	"github.com/Corphon/GrantForgeAI/internal/storage"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// App 应用程序单例，持有配置和关闭钩子
type App struct {
	config *config.AppConfig

	// 需要在关闭时冲刷脏草稿的服务
	draftService *services.DraftService

	// redis等需要显式关闭的存储后端
	storeCloser interface{ Close() error }

	stopChan chan struct{}
}

var instance *App

// GetApp 获取应用实例（单例模式）
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan struct{}),
		}
	}
	return instance
}

// InitServices 按依赖顺序初始化所有服务并注册到DI容器
// 事件接收器由调用方传入：服务器传WebSocket桥，控制台传NopEventSink
func InitServices(sink services.EventSink) error {
	app := GetApp()
	cfg := config.GetCurrentConfig()
	app.config = cfg

	// 步骤注册表在init()完成自注册，这里只做启动校验
	if err := steps.Verify(); err != nil {
		return fmt.Errorf("步骤注册表校验失败: %w", err)
	}

	// 初始化日志系统
	logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	if err := utils.InitLogger(logFile); err != nil {
		// 日志文件不可用时继续运行，只写stdout
		log.Printf("⚠️ 初始化日志文件失败: %v", err)
	}

	container := di.GetContainer()

	// 1. 存储后端（按配置选择）
	store, err := app.buildDraftStore(cfg)
	if err != nil {
		return fmt.Errorf("初始化草稿存储失败: %w", err)
	}
	container.Register("storage", store)

	// 2. 基础设施：时钟和草稿锁
	clock := services.NewRealClock()
	locks := services.NewLockManager()

	// 3. 草稿服务（防抖自动保存）
	window := time.Duration(cfg.AutosaveWindowMS) * time.Millisecond
	if window <= 0 {
		window = services.DefaultAutosaveWindow
	}
	draftService := services.NewDraftService(store, clock, window, locks, sink)
	container.Register("draft", draftService)
	app.draftService = draftService

	// 4. 向导服务（步骤门控状态机）
	wizardService := services.NewWizardService(draftService, clock, sink)
	container.Register("wizard", wizardService)

	// 5. 配置服务（密钥加密存取）
	configService := services.NewConfigService()
	container.Register("config", configService)

	// 6. 生成服务（阶梯降级），提供商配置来自解密后的运行时配置
	// 未配置密钥时服务进入待机态，生成走离线模板
	generationService := services.NewGenerationService(
		configService.GetGenAIProvider(),
		configService.GetGenAIConfig(),
		draftService,
		clock,
		sink,
	)
	container.Register("genai", generationService)

	// 设置接口保存新密钥后热切换提供商
	configService.SubscribeToChanges(generationService)

	// 7. 导出服务
	exportService := services.NewExportService(draftService, cfg.ExportsDir, sink)
	container.Register("export", exportService)

	// 8. 进度服务（批量生成和导出的进度推送）
	container.Register("progress", services.NewProgressService())

	utils.GetLogger().Info("服务初始化完成", map[string]interface{}{
		"storage_backend": cfg.StorageBackend,
		"genai_ready":     generationService.IsReady(),
		"services":        container.GetNames(),
	})

	return nil
}

// buildDraftStore 按配置选择草稿存储后端
func (a *App) buildDraftStore(cfg *config.AppConfig) (storage.DraftStore, error) {
	switch cfg.StorageBackend {
	case "", "file":
		return storage.NewFileDraftStore(filepath.Join(cfg.DataDir, "drafts"))
	case "memory":
		return storage.NewMemoryDraftStore(), nil
	case "redis":
		store, err := storage.NewRedisDraftStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			return nil, err
		}
		a.storeCloser = store
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", cfg.StorageBackend)
	}
}

// HealthCheck 验证关键服务是否全部注册
func HealthCheck() error {
	container := di.GetContainer()

	criticalServices := []string{"storage", "draft", "wizard", "genai", "export", "progress", "config"}
	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	return nil
}

// HealthSnapshot 汇总各服务状态，供健康检查端点使用
func HealthSnapshot() map[string]interface{} {
	app := GetApp()
	container := di.GetContainer()

	snapshot := map[string]interface{}{
		"status":   "ok",
		"services": container.GetNames(),
		"steps":    steps.Count(),
	}
	if app.config != nil {
		snapshot["storage_backend"] = app.config.StorageBackend
	}
	if gen, ok := container.Get("genai").(*services.GenerationService); ok && gen != nil {
		provider, model, ready := gen.Status()
		snapshot["genai"] = map[string]interface{}{
			"provider": provider,
			"model":    model,
			"ready":    ready,
		}
	}
	return snapshot
}

// Shutdown 优雅关闭：冲刷所有脏草稿，停止计时器，关闭存储连接
func (a *App) Shutdown(ctx context.Context) error {
	close(a.stopChan)

	var firstErr error
	if a.draftService != nil {
		if err := a.draftService.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("冲刷未保存草稿失败: %w", err)
		}
	}

	if a.storeCloser != nil {
		if err := a.storeCloser.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭存储连接失败: %w", err)
		}
	}

	return firstErr
}
