// internal/services/generation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/genai"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/steps"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// ErrStaleGeneration 生成结果已被更新的请求取代
var ErrStaleGeneration = errors.New("生成结果已被更新的请求取代")

// GenerationService 驱动AI章节生成
//
// 三级阶梯：主请求失败先分类，只有过载和瞬时网络错误才降级
// 重试（紧凑提示词、更短超时），其余失败直接落到离线模板。
// 模板层永不失败，所以生成操作整体永不失败，结果层级
// （primary / degraded-retry / fallback-template）始终透出。
//
// 每个(草稿,章节)维护请求序号，提交时序号已变说明有更新的
// 请求在跑，旧结果整体丢弃，避免慢响应覆盖新内容。
type GenerationService struct {
	drafts *DraftService
	sink   EventSink
	clock  Clock

	mu           sync.RWMutex
	provider     genai.Provider
	providerName string
	model        string

	seqMu sync.Mutex
	seq   map[string]uint64

	metrics *utils.APIMetrics
}

// NewGenerationService 创建生成服务
// 提供商初始化失败不报错：服务以待机状态启动，生成走离线模板
func NewGenerationService(providerName string, providerConfig map[string]string, drafts *DraftService, clock Clock, sink EventSink) *GenerationService {
	if clock == nil {
		clock = NewRealClock()
	}
	if sink == nil {
		sink = NopEventSink{}
	}

	s := &GenerationService{
		drafts:  drafts,
		sink:    sink,
		clock:   clock,
		seq:     make(map[string]uint64),
		metrics: utils.NewAPIMetrics(),
	}

	if err := s.UpdateProvider(providerName, providerConfig); err != nil {
		log.Printf("⚠️ AI提供商 %s 初始化失败，进入待机模式: %v", providerName, err)
	}
	return s
}

// UpdateProvider 切换或重新配置AI提供商
func (s *GenerationService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	if providerName == "" {
		s.mu.Lock()
		s.provider = nil
		s.providerName = ""
		s.model = ""
		s.mu.Unlock()
		return nil
	}

	provider, err := genai.GetProvider(providerName, providerConfig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.provider = provider
	s.providerName = providerName
	s.model = providerConfig["default_model"]
	s.mu.Unlock()

	log.Printf("✅ AI提供商已就绪: %s", providerName)
	return nil
}

// OnGenAIConfigChanged 实现配置变更订阅
// 配置服务推送新设置时原地重建提供商，运行中的请求用旧实例跑完
func (s *GenerationService) OnGenAIConfigChanged(provider string, providerConfig map[string]string) {
	if err := s.UpdateProvider(provider, providerConfig); err != nil {
		log.Printf("⚠️ 应用新AI配置失败，保持当前提供商: %v", err)
	}
}

// IsReady 提供商是否已配置
func (s *GenerationService) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider != nil
}

// Status 返回当前提供商状态
func (s *GenerationService) Status() (providerName string, model string, ready bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerName, s.model, s.provider != nil
}

// GenerateSection 为单个章节生成文本
// 永不因上游失败而失败：最坏情况落到模板层，层级随结果返回
func (s *GenerationService) GenerateSection(ctx context.Context, draftID, sectionID string) (*models.GeneratedContent, error) {
	if !models.IsAISection(sectionID) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知章节: %s", sectionID), nil)
	}

	tc, err := s.snapshotContext(ctx, draftID)
	if err != nil {
		return nil, err
	}

	ticket := s.nextTicket(draftID, sectionID)
	s.sink.Publish(models.NewDraftEvent(models.EventGenerationStarted, draftID, map[string]any{
		"section": sectionID,
	}))

	content := s.runLadder(ctx, draftID, sectionID, tc)

	if err := s.commit(ctx, draftID, sectionID, ticket, content); err != nil {
		return nil, err
	}
	return content, nil
}

// GenerateAll 按固定顺序生成全部章节
// 章节之间留出固定间隔，避免连续请求触发上游限流
func (s *GenerationService) GenerateAll(ctx context.Context, draftID string) ([]models.GenerationOutcome, error) {
	sections := models.AISections()
	outcomes := make([]models.GenerationOutcome, 0, len(sections))

	for i, sectionID := range sections {
		if i > 0 {
			if err := genai.WaitSpacing(ctx); err != nil {
				return outcomes, apperrors.NewTimeoutError("批量生成被取消", err)
			}
		}

		content, err := s.GenerateSection(ctx, draftID, sectionID)
		outcome := models.GenerationOutcome{
			Section:     sectionID,
			CompletedAt: s.clock.Now(),
		}
		if err != nil {
			outcome.Err = err.Error()
		} else {
			outcome.Mode = content.Mode
			outcome.TextLength = len([]rune(content.Text))
		}
		outcomes = append(outcomes, outcome)

		s.sink.Publish(models.NewDraftEvent(models.EventBatchProgress, draftID, map[string]any{
			"index":   i + 1,
			"total":   len(sections),
			"section": sectionID,
			"mode":    outcome.Mode,
			"error":   outcome.Err,
		}))

		if err != nil && ctx.Err() != nil {
			return outcomes, apperrors.NewTimeoutError("批量生成被取消", ctx.Err())
		}
	}

	return outcomes, nil
}

// runLadder 执行三级生成阶梯，返回的内容永不为空
func (s *GenerationService) runLadder(ctx context.Context, draftID, sectionID string, tc genai.TemplateContext) *models.GeneratedContent {
	s.mu.RLock()
	provider := s.provider
	providerName := s.providerName
	model := s.model
	s.mu.RUnlock()

	start := s.clock.Now()

	// 第一级：主请求
	text, tokens, err := s.callProvider(ctx, provider, model, sectionID, tc, false, genai.PrimaryTimeout)
	if err == nil {
		s.recordResult(providerName, models.GenerationModePrimary, tokens, start)
		return &models.GeneratedContent{
			Text:        text,
			Mode:        models.GenerationModePrimary,
			GeneratedAt: s.clock.Now(),
		}
	}

	kind := genai.Classify(err)
	log.Printf("⚠️ 章节 %s 主生成失败(%s): %v", sectionID, kind, err)

	// 第二级：仅对可重试的失败降级重试
	if genai.Retryable(kind) {
		s.sink.Publish(models.NewDraftEvent(models.EventGenerationTier, draftID, map[string]any{
			"section": sectionID,
			"tier":    models.GenerationModeDegradedRetry,
			"cause":   string(kind),
		}))

		if waitErr := genai.WaitRetry(ctx); waitErr == nil {
			text, tokens, err = s.callProvider(ctx, provider, model, sectionID, tc, true, genai.RetryTimeout)
			if err == nil {
				s.recordResult(providerName, models.GenerationModeDegradedRetry, tokens, start)
				return &models.GeneratedContent{
					Text:        text,
					Mode:        models.GenerationModeDegradedRetry,
					GeneratedAt: s.clock.Now(),
				}
			}
			log.Printf("⚠️ 章节 %s 降级重试仍失败: %v", sectionID, err)
		}
	}

	// 第三级：离线模板，永不失败
	s.sink.Publish(models.NewDraftEvent(models.EventGenerationTier, draftID, map[string]any{
		"section": sectionID,
		"tier":    models.GenerationModeFallbackTemplate,
		"cause":   string(kind),
	}))
	s.recordResult(providerName, models.GenerationModeFallbackTemplate, 0, start)

	return &models.GeneratedContent{
		Text:        genai.FallbackSection(sectionID, tc),
		Mode:        models.GenerationModeFallbackTemplate,
		GeneratedAt: s.clock.Now(),
	}
}

// callProvider 一次带超时的提供商调用
func (s *GenerationService) callProvider(ctx context.Context, provider genai.Provider, model, sectionID string, tc genai.TemplateContext, compact bool, timeout time.Duration) (string, int, error) {
	if provider == nil {
		return "", 0, genai.NewServiceError(genai.FailureInvalidConfig, "none", "未配置AI提供商", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	systemPrompt, userPrompt := genai.PromptForSection(sectionID, tc, compact)
	maxTokens := genai.DefaultMaxTokens
	if compact {
		maxTokens = genai.CompactMaxTokens
	}

	resp, err := provider.DraftSection(callCtx, genai.SectionRequest{
		Section:      sectionID,
		Prompt:       userPrompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  0.7,
		Model:        model,
		Compact:      compact,
	})
	if err != nil {
		return "", 0, err
	}
	return resp.Text, resp.TokensUsed, nil
}

// snapshotContext 在读锁内提取章节生成所需的草稿数据
func (s *GenerationService) snapshotContext(ctx context.Context, draftID string) (genai.TemplateContext, error) {
	var tc genai.TemplateContext
	err := s.drafts.Locks().ExecuteWithDraftReadLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，请先重新打开再生成", nil)
		}
		tc = templateContextFrom(draft)
		return nil
	})
	return tc, err
}

// commit 在草稿锁内提交生成结果，序号已变则整体丢弃
func (s *GenerationService) commit(ctx context.Context, draftID, sectionID string, ticket uint64, content *models.GeneratedContent) error {
	return s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		if s.currentTicket(draftID, sectionID) != ticket {
			s.sink.Publish(models.NewDraftEvent(models.EventGenerationDiscarded, draftID, map[string]any{
				"section": sectionID,
			}))
			return apperrors.NewConflictError(ErrStaleGeneration.Error(), ErrStaleGeneration)
		}

		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，生成结果未写入", nil)
		}

		draft.GeneratedSections[sectionID] = *content
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}

		s.sink.Publish(models.NewDraftEvent(models.EventGenerationCompleted, draftID, map[string]any{
			"section": sectionID,
			"mode":    content.Mode,
			"chars":   len([]rune(content.Text)),
		}))
		return nil
	})
}

func (s *GenerationService) recordResult(providerName, mode string, tokens int, start time.Time) {
	if providerName == "" {
		providerName = "none"
	}
	s.metrics.RecordGeneration(providerName, mode, tokens, s.clock.Now().Sub(start))
}

// nextTicket 为(草稿,章节)发放新的请求序号
func (s *GenerationService) nextTicket(draftID, sectionID string) uint64 {
	key := draftID + ":" + sectionID
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq[key]++
	return s.seq[key]
}

func (s *GenerationService) currentTicket(draftID, sectionID string) uint64 {
	key := draftID + ":" + sectionID
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq[key]
}

// templateContextFrom 从草稿字段构造生成上下文
func templateContextFrom(draft *models.Draft) genai.TemplateContext {
	applicant := draft.StepData[steps.StepApplicant]
	business := draft.StepData[steps.StepBusiness]
	plan := draft.StepData[steps.StepPlan]
	budget := draft.StepData[steps.StepBudget]
	effect := draft.StepData[steps.StepEffect]

	tc := genai.TemplateContext{}
	tc.CompanyName, _ = steps.Text(applicant, "company_name")
	tc.Industry, _ = steps.Text(applicant, "industry")
	tc.EmployeeCount, _ = steps.Integer(applicant, "employee_count")
	tc.FoundedYear, _ = steps.Integer(applicant, "founded_year")
	tc.BusinessSummary, _ = steps.Text(business, "summary")
	tc.MainProducts, _ = steps.Text(business, "main_products")
	tc.PlanBody, _ = steps.Text(plan, "plan_body")
	tc.ScheduleMonths, _ = steps.Integer(plan, "schedule_months")
	tc.BudgetTotal, _ = steps.Number(budget, "declared_total")
	tc.MetricName, _ = steps.Text(effect, "metric_name")
	tc.CurrentValue, _ = steps.Number(effect, "current_value")
	tc.TargetValue, _ = steps.Number(effect, "target_value")
	tc.TargetYear, _ = steps.Integer(effect, "target_year")
	return tc
}
