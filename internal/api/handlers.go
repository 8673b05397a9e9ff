// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/config"
	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/genai"
	"github.com/Corphon/GrantForgeAI/internal/services"
	"github.com/Corphon/GrantForgeAI/internal/steps"
	"github.com/Corphon/GrantForgeAI/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	WizardService     *services.WizardService     // 向导服务
	DraftService      *services.DraftService      // 草稿自动保存服务
	GenerationService *services.GenerationService // AI生成服务
	ExportService     *services.ExportService     // 导出服务
	ProgressService   *services.ProgressService   // 进度跟踪服务
	ConfigService     *services.ConfigService     // 配置服务
	WebSocketHandler  *WebSocketHandler           // WebSocket 处理器
	Response          *ResponseHelper             // 响应助手

	// 批量生成任务的取消函数，按任务ID索引
	cancelMu     sync.Mutex
	batchCancels map[string]context.CancelFunc
}

// UpdateStepRequest 更新步骤数据的请求结构
type UpdateStepRequest struct {
	Data map[string]any `json:"data"` // 字段名到值的映射，与现有数据合并
}

// SaveSettingsRequest 保存设置的请求结构
type SaveSettingsRequest struct {
	GenAIProvider string            `json:"genai_provider"` // AI提供商名称
	GenAIConfig   map[string]string `json:"genai_config"`   // api_key、default_model 等
	DebugMode     *bool             `json:"debug_mode"`     // 不传则保持不变
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ------------------------------------------------
// DraftWebSocket 处理草稿 WebSocket 连接
func (h *Handler) DraftWebSocket(c *gin.Context) {
	h.WebSocketHandler.DraftWebSocket(c)
}

// BroadcastToDraft 向指定草稿房间广播消息
func (h *Handler) BroadcastToDraft(draftID string, message map[string]interface{}) {
	wsManager.BroadcastToDraft(draftID, message)
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// CleanupWebSocketConnections 手动触发一次过期连接清理
func (h *Handler) CleanupWebSocketConnections(c *gin.Context) {
	wsManager.cleanupExpiredConnections()
	h.Response.Success(c, wsManager.GetStatus(), "过期连接已清理")
}

// respondServiceError 把服务层错误映射为HTTP状态码
// 校验→400，未找到→404，冲突→409，超时→504，其余→500
func (h *Handler) respondServiceError(c *gin.Context, err error, fallback string) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation:
			h.Response.Error(c, http.StatusBadRequest, appErr.Code, appErr.Message)
		case apperrors.ErrorTypeNotFound:
			h.Response.Error(c, http.StatusNotFound, appErr.Code, appErr.Message)
		case apperrors.ErrorTypeConflict:
			h.Response.Error(c, http.StatusConflict, appErr.Code, appErr.Message)
		case apperrors.ErrorTypeTimeout:
			h.Response.Error(c, http.StatusGatewayTimeout, appErr.Code, appErr.Message)
		default:
			h.Response.Error(c, http.StatusInternalServerError, appErr.Code, fallback, appErr.Message)
		}
		return
	}

	h.Response.InternalError(c, fallback, err.Error())
}

// ---------------------------------------------------------
// ExportDraft 导出已构建的申请书
func (h *Handler) ExportDraft(c *gin.Context) {
	draftID := c.Param("id")

	var req struct {
		Format string `json:"format"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "请求参数错误", err.Error())
			return
		}
	}

	format := req.Format
	if format == "" {
		format = c.DefaultQuery("format", "pdf")
	}

	// 创建带超时的上下文，渲染管线内部还有自己的预算
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	result, err := h.ExportService.Export(ctx, draftID, format)
	if err != nil {
		h.respondServiceError(c, err, "导出申请书失败")
		return
	}

	// 默认返回导出结果描述，?download=true 直接下发文件
	if c.Query("download") == "true" {
		h.Response.ExportResponse(c, result, result.Format)
		return
	}

	h.Response.Success(c, result, "导出成功")
}

// DownloadExport 下载已导出的文件
func (h *Handler) DownloadExport(c *gin.Context) {
	filename := filepath.Base(c.Param("filename"))
	if filename == "" || filename == "." || filename == "/" {
		h.Response.BadRequest(c, "文件名非法")
		return
	}

	cfg := config.GetCurrentConfig()
	fullPath := filepath.Join(cfg.ExportsDir, filename)

	if _, err := os.Stat(fullPath); err != nil {
		h.Response.NotFound(c, "文件", "文件名: "+filename)
		return
	}

	c.FileAttachment(fullPath, filename)
}

// ---------------------------------------------------------
// NewHandler 创建API处理器
func NewHandler(
	wizardService *services.WizardService,
	draftService *services.DraftService,
	generationService *services.GenerationService,
	exportService *services.ExportService,
	progressService *services.ProgressService,
	configService *services.ConfigService) *Handler {

	return &Handler{
		WizardService:     wizardService,
		DraftService:      draftService,
		GenerationService: generationService,
		ExportService:     exportService,
		ProgressService:   progressService,
		ConfigService:     configService,
		WebSocketHandler:  NewWebSocketHandler(),
		Response:          NewResponseHelper(),
		batchCancels:      make(map[string]context.CancelFunc),
	}
}

// ---------------------------------------------------------
// GetHealth 健康检查
func (h *Handler) GetHealth(c *gin.Context) {
	cfg := config.GetCurrentConfig()
	provider, model, ready := h.GenerationService.Status()
	wsStatus := wsManager.GetStatus()

	data := map[string]interface{}{
		"status":             "ok",
		"time":               time.Now().Format(time.RFC3339),
		"storage_backend":    cfg.StorageBackend,
		"autosave_window_ms": cfg.AutosaveWindowMS,
		"genai": map[string]interface{}{
			"provider": provider,
			"model":    model,
			"ready":    ready,
		},
		"websocket_connections": wsStatus["total_connections"],
	}

	h.Response.Success(c, data, "服务运行正常")
}

// GetSteps 获取向导步骤定义
func (h *Handler) GetSteps(c *gin.Context) {
	h.Response.Success(c, steps.Infos(), "步骤定义获取成功")
}

// GetMetrics 获取指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	metrics := utils.GetMetricsCollector().GetMetrics()
	h.Response.Success(c, metrics, "指标获取成功")
}

// ---------------------------------------------------------
// CreateDraft 创建新草稿
func (h *Handler) CreateDraft(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "请求参数错误", err.Error())
			return
		}
	}

	state, err := h.WizardService.CreateDraft(c.Request.Context(), req.Title)
	if err != nil {
		h.respondServiceError(c, err, "创建草稿失败")
		return
	}

	h.Response.Created(c, state, "草稿创建成功")
}

// GetDrafts 获取草稿列表
func (h *Handler) GetDrafts(c *gin.Context) {
	summaries, err := h.WizardService.ListDrafts(c.Request.Context())
	if err != nil {
		h.Response.InternalError(c, "获取草稿列表失败", err.Error())
		return
	}

	limitStr := c.DefaultQuery("limit", "20")
	pageStr := c.DefaultQuery("page", "1")

	var limit int
	if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil || limit <= 0 {
		limit = 20
	}

	var pageNum int
	if _, err := fmt.Sscanf(pageStr, "%d", &pageNum); err != nil || pageNum <= 0 {
		pageNum = 1
	}

	// 如果需要分页，计算分页信息
	if c.Query("paginated") == "true" {
		total := len(summaries)
		start := (pageNum - 1) * limit
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}

		meta := &PaginationMeta{
			Page:       pageNum,
			PerPage:    limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		}
		h.Response.PaginatedSuccess(c, summaries[start:end], meta, "草稿列表获取成功")
	} else {
		h.Response.Success(c, summaries, "草稿列表获取成功")
	}
}

// GetDraft 获取草稿的向导状态快照
func (h *Handler) GetDraft(c *gin.Context) {
	draftID := c.Param("id")

	state, err := h.WizardService.GetState(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "获取草稿状态失败")
		return
	}

	h.Response.Success(c, state, "草稿状态获取成功")
}

// RestoreDraft 打开草稿编辑器
// 草稿存在则恢复，无法恢复则以同一ID重新开始，永远不会失败丢工作
func (h *Handler) RestoreDraft(c *gin.Context) {
	draftID := c.Param("id")

	state, restored, err := h.WizardService.RestoreDraft(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "恢复草稿失败")
		return
	}

	data := map[string]interface{}{
		"state":    state,
		"restored": restored,
	}

	message := "草稿已恢复"
	if !restored {
		message = "草稿无法恢复，已用同一ID重新开始"
	}

	h.Response.Success(c, data, message)
}

// UpdateStep 更新步骤数据
// 数据合并后立即进入防抖自动保存窗口，校验结果随响应返回
func (h *Handler) UpdateStep(c *gin.Context) {
	draftID := c.Param("id")
	stepID := c.Param("stepID")

	var req UpdateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, result, err := h.WizardService.UpdateStepData(c.Request.Context(), draftID, stepID, req.Data)
	if err != nil {
		h.respondServiceError(c, err, "更新步骤数据失败")
		return
	}

	data := map[string]interface{}{
		"state":      state,
		"validation": result,
	}

	// 校验未通过数据也已保存，不算失败
	h.Response.Success(c, data, "步骤数据已更新")
}

// GoNext 进入下一步
func (h *Handler) GoNext(c *gin.Context) {
	draftID := c.Param("id")

	state, result, err := h.WizardService.GoNext(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "步骤前进失败")
		return
	}

	data := map[string]interface{}{
		"state":      state,
		"validation": result,
	}

	if !result.OK {
		h.Response.ValidationFailed(c, data, "当前步骤校验未通过，无法前进")
		return
	}

	h.Response.Success(c, data, "已进入下一步")
}

// GoBack 返回上一步
func (h *Handler) GoBack(c *gin.Context) {
	draftID := c.Param("id")

	state, err := h.WizardService.GoBack(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "步骤后退失败")
		return
	}

	h.Response.Success(c, state, "已返回上一步")
}

// JumpTo 跳转到指定步骤
func (h *Handler) JumpTo(c *gin.Context) {
	draftID := c.Param("id")

	var req struct {
		Target int `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.WizardService.JumpTo(c.Request.Context(), draftID, req.Target)
	if err != nil {
		h.respondServiceError(c, err, "步骤跳转失败")
		return
	}

	h.Response.Success(c, state, "已跳转到目标步骤")
}

// GetProgress 获取草稿进度报告
func (h *Handler) GetProgress(c *gin.Context) {
	draftID := c.Param("id")

	report, err := h.WizardService.Progress(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "获取进度失败")
		return
	}

	h.Response.Success(c, report, "进度获取成功")
}

// BuildDraft 构建最终申请书
func (h *Handler) BuildDraft(c *gin.Context) {
	draftID := c.Param("id")

	state, failed, err := h.WizardService.Build(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "构建申请书失败")
		return
	}

	if len(failed) > 0 {
		data := map[string]interface{}{
			"state":        state,
			"failed_steps": failed,
		}
		h.Response.ValidationFailed(c, data, "有步骤未通过校验，无法构建申请书")
		return
	}

	h.Response.Success(c, state, "申请书构建完成")
}

// ReopenDraft 重新打开已构建的申请书
func (h *Handler) ReopenDraft(c *gin.Context) {
	draftID := c.Param("id")

	state, err := h.WizardService.Reopen(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "重新打开失败")
		return
	}

	h.Response.Success(c, state, "申请书已重新打开，可继续编辑")
}

// ResetDraft 清空草稿数据重新开始
func (h *Handler) ResetDraft(c *gin.Context) {
	draftID := c.Param("id")

	state, err := h.WizardService.ResetDraft(c.Request.Context(), draftID)
	if err != nil {
		h.respondServiceError(c, err, "重置草稿失败")
		return
	}

	h.Response.Success(c, state, "草稿已重置")
}

// FlushDraft 立即落盘，不等防抖窗口
func (h *Handler) FlushDraft(c *gin.Context) {
	draftID := c.Param("id")

	if err := h.DraftService.FlushNow(c.Request.Context(), draftID); err != nil {
		h.respondServiceError(c, err, "保存草稿失败")
		return
	}

	h.Response.Success(c, nil, "草稿已保存")
}

// DeleteDraft 删除草稿
func (h *Handler) DeleteDraft(c *gin.Context) {
	draftID := c.Param("id")

	if err := h.WizardService.DeleteDraft(c.Request.Context(), draftID); err != nil {
		h.respondServiceError(c, err, "删除草稿失败")
		return
	}

	h.Response.Success(c, nil, "草稿已删除")
}

// ---------------------------------------------------------
// GenerateSection 生成单个AI章节
// 内部走 主调用→紧凑重试→离线模板 的降级阶梯，总能给出产出
func (h *Handler) GenerateSection(c *gin.Context) {
	draftID := c.Param("id")
	sectionID := c.Param("sectionID")

	content, err := h.GenerationService.GenerateSection(c.Request.Context(), draftID, sectionID)
	if err != nil {
		h.respondServiceError(c, err, "章节生成失败")
		return
	}

	h.Response.Success(c, content, "章节生成完成")
}

// GenerateAll 批量生成全部AI章节
// 任务在后台按固定间隔顺序执行，进度经 SSE 和 WebSocket 推送
func (h *Handler) GenerateAll(c *gin.Context) {
	draftID := c.Param("id")

	// 先确认草稿存在，避免为无效ID建任务
	if _, err := h.WizardService.GetState(c.Request.Context(), draftID); err != nil {
		h.respondServiceError(c, err, "获取草稿失败")
		return
	}

	taskID := services.BatchTaskID(draftID)
	tracker := h.ProgressService.CreateTracker(taskID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	h.cancelMu.Lock()
	h.batchCancels[taskID] = cancel
	h.cancelMu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.cancelMu.Lock()
			delete(h.batchCancels, taskID)
			h.cancelMu.Unlock()
		}()

		outcomes, err := h.GenerationService.GenerateAll(ctx, draftID)
		if err != nil {
			tracker.Fail(err.Error())
			return
		}

		tracker.Complete(fmt.Sprintf("批量生成完成，共 %d 个章节", len(outcomes)))
	}()

	data := map[string]interface{}{
		"task_id":  taskID,
		"draft_id": draftID,
	}

	h.Response.Accepted(c, data, "批量生成已开始，请订阅进度更新")
}

// CancelTask 取消正在进行的批量任务
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	h.cancelMu.Lock()
	if cancel, ok := h.batchCancels[taskID]; ok {
		cancel()
	}
	h.cancelMu.Unlock()

	tracker.Fail("用户取消了任务")

	c.JSON(http.StatusOK, gin.H{"message": "任务已取消"})
}

// SubscribeProgress 订阅任务进度的SSE端点
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("taskID")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	clientGone := c.Request.Context().Done()

	// 订阅进度更新
	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	// 发送心跳和更新
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// 发送初始事件保持连接打开
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			// 客户端断开连接
			return
		case update, ok := <-updateChan:
			if !ok {
				// 通道已关闭
				return
			}
			// 发送进度更新
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			// 如果任务已完成或失败，结束连接
			if update.Status == "completed" || update.Status == "failed" {
				return
			}
		case <-ticker.C:
			// 发送心跳以保持连接
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ---------------------------------------------------------
// GetSettings 获取当前设置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	genaiConfig := make(map[string]interface{})
	if cfg.GenAIConfig != nil {
		genaiConfig["model"] = cfg.GenAIConfig["default_model"]
		genaiConfig["has_api_key"] = cfg.GenAIConfig["api_key"] != ""
	}

	data := map[string]interface{}{
		"genai_provider":     cfg.GenAIProvider,
		"debug_mode":         cfg.DebugMode,
		"port":               cfg.Port,
		"storage_backend":    cfg.StorageBackend,
		"autosave_window_ms": cfg.AutosaveWindowMS,
		"genai_config":       genaiConfig,
	}

	h.Response.Success(c, data, "设置获取成功")
}

// SaveSettings 保存设置
// AI配置经配置服务落盘（密钥加密存储），订阅者自动收到变更
func (h *Handler) SaveSettings(c *gin.Context) {
	var request SaveSettingsRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	if request.GenAIProvider != "" && request.GenAIConfig != nil {
		err := h.ConfigService.UpdateGenAIConfig(request.GenAIProvider, request.GenAIConfig, "web_ui")
		if err != nil {
			h.respondServiceError(c, err, "保存AI配置失败")
			return
		}
	}

	if request.DebugMode != nil {
		if err := h.ConfigService.SetDebugMode(*request.DebugMode); err != nil {
			h.Response.InternalError(c, "保存调试模式失败", err.Error())
			return
		}
	}

	h.Response.Success(c, nil, "设置保存成功")
}

// TestGenAIKey 校验API密钥格式
func (h *Handler) TestGenAIKey(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
		APIKey   string `json:"api_key" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	valid, message := h.ConfigService.ValidateAPIKey(req.Provider, req.APIKey)
	if !valid {
		h.Response.Error(c, http.StatusBadRequest, ErrorGenAIConfigInvalid, message)
		return
	}

	data := map[string]interface{}{
		"provider": req.Provider,
		"valid":    true,
	}
	h.Response.Success(c, data, message)
}

// GetGenAIStatus 获取AI生成服务状态
func (h *Handler) GetGenAIStatus(c *gin.Context) {
	provider, model, ready := h.GenerationService.Status()
	cfg := h.ConfigService.GetCurrentConfig()

	status := map[string]interface{}{
		"ready":    ready,
		"provider": provider,
		"model":    model,
		"config": map[string]interface{}{
			"provider":    cfg.GenAIProvider,
			"has_api_key": cfg.GenAIConfig != nil && cfg.GenAIConfig["api_key"] != "",
		},
	}

	c.JSON(http.StatusOK, status)
}

// GetGenAIModels 获取指定提供商支持的模型列表
func (h *Handler) GetGenAIModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少提供商参数"})
		return
	}

	supported := genai.GetSupportedModelsForProvider(provider)

	if len(supported) == 0 {
		available := genai.ListProviders()
		providerExists := false
		for _, p := range available {
			if p == provider {
				providerExists = true
				break
			}
		}

		if !providerExists {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "不支持的AI提供商: " + provider,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"models":   supported,
		"count":    len(supported),
	})
}
