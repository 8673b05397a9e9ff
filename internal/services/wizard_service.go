// internal/services/wizard_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/steps"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// WizardService 驱动多步申请向导
//
// 步骤推进由校验把关：下一步要求当前步通过，跳转最多到
// 最远已验证步骤的下一步。所有变更先进内存再由草稿服务
// 异步落盘，步骤切换和构建则立即冲刷。
type WizardService struct {
	drafts  *DraftService
	clock   Clock
	sink    EventSink
	metrics *utils.APIMetrics
}

// NewWizardService 创建向导服务
func NewWizardService(drafts *DraftService, clock Clock, sink EventSink) *WizardService {
	if clock == nil {
		clock = NewRealClock()
	}
	if sink == nil {
		sink = NopEventSink{}
	}
	return &WizardService{
		drafts:  drafts,
		clock:   clock,
		sink:    sink,
		metrics: utils.NewAPIMetrics(),
	}
}

// CreateDraft 新建草稿并立即持久化
func (s *WizardService) CreateDraft(ctx context.Context, title string) (*models.WizardState, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "未命名申请"
	}
	if len([]rune(title)) > 80 {
		return nil, apperrors.NewValidationError("标题不能超过80字", nil)
	}

	draft := models.NewDraft(uuid.NewString(), title, s.clock.Now())
	if err := s.drafts.Create(ctx, draft); err != nil {
		return nil, err
	}

	s.metrics.RecordWizardStep(draft.ID, "create")
	return s.buildState(draft), nil
}

// GetState 返回向导状态快照
func (s *WizardService) GetState(ctx context.Context, draftID string) (*models.WizardState, error) {
	var state *models.WizardState
	err := s.drafts.Locks().ExecuteWithDraftReadLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// RestoreDraft 按ID恢复草稿
// 存储缺失或损坏时以同一ID重新开始，调用方通过restored标志区分
func (s *WizardService) RestoreDraft(ctx context.Context, draftID string) (*models.WizardState, bool, error) {
	if draftID == "" {
		return nil, false, apperrors.NewValidationError("草稿ID不能为空", nil)
	}

	draft, err := s.drafts.Get(ctx, draftID)
	if err == nil {
		var state *models.WizardState
		lockErr := s.drafts.Locks().ExecuteWithDraftReadLock(draftID, func() error {
			state = s.buildState(draft)
			return nil
		})
		return state, true, lockErr
	}
	if !apperrors.IsNotFoundError(err) {
		return nil, false, err
	}

	// 从零开始，但保留客户端已持有的ID
	log.Printf("⚠️ 草稿 %s 无法恢复，以同一ID重新开始", draftID)
	fresh := models.NewDraft(draftID, "未命名申请", s.clock.Now())
	if err := s.drafts.Create(ctx, fresh); err != nil {
		return nil, false, err
	}
	return s.buildState(fresh), false, nil
}

// UpdateStepData 合并一步的字段修改并安排自动保存
// 返回该步骤的即时校验结果，校验失败不阻止数据保存
func (s *WizardService) UpdateStepData(ctx context.Context, draftID, stepID string, values map[string]any) (*models.WizardState, models.ValidationResult, error) {
	def, ok := steps.Get(stepID)
	if !ok {
		return nil, models.ValidationResult{}, apperrors.NewNotFoundError(fmt.Sprintf("步骤 %s 不存在", stepID), nil)
	}
	if len(values) == 0 {
		return nil, models.ValidationResult{}, apperrors.NewValidationError("没有要更新的字段", nil)
	}

	var (
		state  *models.WizardState
		result models.ValidationResult
	)
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，如需修改请先重新打开", nil)
		}

		target := draft.StepValues(stepID)
		for field, value := range values {
			target[field] = value
		}

		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}

		result = validateStep(def, draft)
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, models.ValidationResult{}, err
	}

	s.metrics.RecordWizardStep(draftID, "update")
	return state, result, nil
}

// GoNext 校验当前步并前进一步
// 校验失败时返回结果但不推进，err为nil
func (s *WizardService) GoNext(ctx context.Context, draftID string) (*models.WizardState, models.ValidationResult, error) {
	var (
		state  *models.WizardState
		result models.ValidationResult
		moved  bool
		from   int
	)
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，不能再推进步骤", nil)
		}

		def, ok := steps.ByOrdinal(draft.CurrentStepIndex)
		if !ok {
			return apperrors.NewProcessingError(fmt.Sprintf("当前步骤 %d 没有对应定义", draft.CurrentStepIndex), nil)
		}

		result = validateStep(def, draft)
		if !result.OK {
			state = s.buildState(draft)
			return nil
		}

		// 最后一步之后没有下一步，校验通过则原地保持
		if draft.CurrentStepIndex >= steps.Count() {
			state = s.buildState(draft)
			return nil
		}

		from = draft.CurrentStepIndex
		draft.CurrentStepIndex++
		moved = true
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, models.ValidationResult{}, err
	}

	if moved {
		s.afterTransition(ctx, draftID, from, from+1, "next")
	}
	return state, result, nil
}

// GoBack 后退一步，不做校验
func (s *WizardService) GoBack(ctx context.Context, draftID string) (*models.WizardState, error) {
	var (
		state *models.WizardState
		from  int
	)
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，不能再调整步骤", nil)
		}
		if draft.CurrentStepIndex <= 1 {
			return apperrors.NewConflictError("已经是第一步", nil)
		}

		from = draft.CurrentStepIndex
		draft.CurrentStepIndex--
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, draftID, from, from-1, "back")
	return state, nil
}

// JumpTo 跳到指定步骤
// 只能到达已验证前缀的下一步，不允许越过未完成的步骤
func (s *WizardService) JumpTo(ctx context.Context, draftID string, target int) (*models.WizardState, error) {
	if target < 1 || target > steps.Count() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("目标步骤 %d 超出范围 1..%d", target, steps.Count()), nil)
	}

	var (
		state *models.WizardState
		from  int
		moved bool
	)
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，不能再调整步骤", nil)
		}

		furthest := furthestValidated(draft)
		allowed := furthest + 1
		if allowed > steps.Count() {
			allowed = steps.Count()
		}
		if target > allowed {
			return apperrors.NewConflictError(
				fmt.Sprintf("第 %d 步之前还有未完成的步骤，最多只能跳到第 %d 步", target, allowed), nil)
		}

		if target != draft.CurrentStepIndex {
			from = draft.CurrentStepIndex
			draft.CurrentStepIndex = target
			moved = true
			if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
				return err
			}
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if moved {
		s.afterTransition(ctx, draftID, from, target, "jump")
	}
	return state, nil
}

// Progress 返回进度报告
func (s *WizardService) Progress(ctx context.Context, draftID string) (*models.ProgressReport, error) {
	var report *models.ProgressReport
	err := s.drafts.Locks().ExecuteWithDraftReadLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}

		validations := validateAll(draft)
		furthest := furthestFrom(validations)
		report = &models.ProgressReport{
			DraftID:               draft.ID,
			CurrentStepIndex:      draft.CurrentStepIndex,
			FurthestValidatedStep: furthest,
			Progress:              progressPercent(validations),
			Status:                draft.Status,
			Steps:                 validations,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Build 校验全部步骤并组装最终申请书
// 任何一步未通过都拒绝构建，失败步骤在返回值中列出
func (s *WizardService) Build(ctx context.Context, draftID string) (*models.WizardState, []models.StepValidation, error) {
	var (
		state  *models.WizardState
		failed []models.StepValidation
		built  bool
	)
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if draft.IsBuilt() {
			return apperrors.NewConflictError("申请书已构建，如需重建请先重新打开", nil)
		}

		for _, validation := range validateAll(draft) {
			if !validation.Result.OK {
				failed = append(failed, validation)
			}
		}
		if len(failed) > 0 {
			state = s.buildState(draft)
			return nil
		}

		now := s.clock.Now()
		draft.FinalDocument = assembleDocument(draft, now)
		draft.Status = models.DraftStatusBuilt
		built = true
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if built {
		s.flushAfterChange(ctx, draftID)
		s.metrics.RecordWizardStep(draftID, "build")
		s.sink.Publish(models.NewDraftEvent(models.EventBuildCompleted, draftID, map[string]any{
			"built_at": state.Draft.FinalDocument.BuiltAt,
			"sections": len(state.Draft.FinalDocument.Sections),
		}))
	}
	return state, failed, nil
}

// Reopen 解除构建状态，恢复可编辑
func (s *WizardService) Reopen(ctx context.Context, draftID string) (*models.WizardState, error) {
	var state *models.WizardState
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if !draft.IsBuilt() {
			return apperrors.NewConflictError("申请书尚未构建，无需重新打开", nil)
		}

		draft.Status = models.DraftStatusDrafting
		draft.FinalDocument = nil
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.flushAfterChange(ctx, draftID)
	s.metrics.RecordWizardStep(draftID, "reopen")
	s.sink.Publish(models.NewDraftEvent(models.EventDraftReopened, draftID, nil))
	return state, nil
}

// ResetDraft 清空所有填写内容和生成结果，保留ID和标题
func (s *WizardService) ResetDraft(ctx context.Context, draftID string) (*models.WizardState, error) {
	var state *models.WizardState
	err := s.drafts.Locks().ExecuteWithDraftLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}

		draft.StepData = make(map[string]map[string]any)
		draft.GeneratedSections = make(map[string]models.GeneratedContent)
		draft.FinalDocument = nil
		draft.Status = models.DraftStatusDrafting
		draft.CurrentStepIndex = 1
		if err := s.drafts.MarkDirty(ctx, draftID); err != nil {
			return err
		}
		state = s.buildState(draft)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.flushAfterChange(ctx, draftID)
	s.metrics.RecordWizardStep(draftID, "reset")
	s.sink.Publish(models.NewDraftEvent(models.EventDraftReset, draftID, nil))
	return state, nil
}

// DeleteDraft 删除草稿及其持久化数据
func (s *WizardService) DeleteDraft(ctx context.Context, draftID string) error {
	if _, err := s.drafts.Get(ctx, draftID); err != nil {
		return err
	}
	if err := s.drafts.Clear(ctx, draftID); err != nil {
		return err
	}
	s.drafts.Locks().ReleaseDraftLock(draftID)
	s.metrics.RecordWizardStep(draftID, "delete")
	return nil
}

// ListDrafts 列出草稿摘要
func (s *WizardService) ListDrafts(ctx context.Context) ([]models.DraftSummary, error) {
	return s.drafts.List(ctx)
}

// afterTransition 步骤切换后冲刷存盘并广播
func (s *WizardService) afterTransition(ctx context.Context, draftID string, from, to int, action string) {
	s.flushAfterChange(ctx, draftID)
	s.metrics.RecordWizardStep(draftID, action)
	s.sink.Publish(models.NewDraftEvent(models.EventStepChanged, draftID, map[string]any{
		"from":   from,
		"to":     to,
		"action": action,
	}))
}

// flushAfterChange 关键时点立即落盘
// 失败不影响内存状态，草稿服务会按窗口重试
func (s *WizardService) flushAfterChange(ctx context.Context, draftID string) {
	if err := s.drafts.FlushNow(ctx, draftID); err != nil {
		log.Printf("⚠️ 即时落盘失败 draft=%s: %v", draftID, err)
	}
}

// buildState 基于草稿深拷贝生成状态快照，调用方可安全序列化
func (s *WizardService) buildState(draft *models.Draft) *models.WizardState {
	snapshot := draft.Clone()
	validations := validateAll(snapshot)
	furthest := furthestFrom(validations)

	return &models.WizardState{
		Draft:                 snapshot,
		Steps:                 steps.Infos(),
		Validations:           validations,
		Progress:              progressPercent(validations),
		FurthestValidatedStep: furthest,
	}
}

// validateStep 运行步骤自身校验及其跨步骤规则
func validateStep(def *steps.StepDefinition, draft *models.Draft) models.ValidationResult {
	result := def.Validate(draft.StepData[def.ID])
	if def.DraftRule != nil {
		for _, fieldErr := range def.DraftRule(draft) {
			result.AddError(fieldErr.Field, fieldErr.Message)
		}
	}
	return result
}

// validateAll 按顺序校验所有步骤
func validateAll(draft *models.Draft) []models.StepValidation {
	defs := steps.All()
	validations := make([]models.StepValidation, 0, len(defs))
	for _, def := range defs {
		validations = append(validations, models.StepValidation{
			StepID:  def.ID,
			Ordinal: def.Ordinal,
			Result:  validateStep(def, draft),
		})
	}
	return validations
}

// furthestFrom 连续通过的步骤前缀长度
func furthestFrom(validations []models.StepValidation) int {
	furthest := 0
	for _, validation := range validations {
		if !validation.Result.OK {
			break
		}
		furthest = validation.Ordinal
	}
	return furthest
}

func furthestValidated(draft *models.Draft) int {
	return furthestFrom(validateAll(draft))
}

// progressPercent 当前数据通过校验的步骤占比
// 不要求连续：中间步骤失效只影响最远可达，不抹掉后面步骤的进度
func progressPercent(validations []models.StepValidation) float64 {
	total := steps.Count()
	if total == 0 {
		return 0
	}
	valid := 0
	for _, validation := range validations {
		if validation.Result.OK {
			valid++
		}
	}
	return float64(valid) / float64(total) * 100
}

// assembleDocument 把步骤数据和生成章节组装成最终申请书
func assembleDocument(draft *models.Draft, builtAt time.Time) *models.FinalDocument {
	applicant := draft.StepData[steps.StepApplicant]
	business := draft.StepData[steps.StepBusiness]
	plan := draft.StepData[steps.StepPlan]
	budget := draft.StepData[steps.StepBudget]
	effect := draft.StepData[steps.StepEffect]

	doc := &models.FinalDocument{
		Title:   draft.Title,
		BuiltAt: builtAt,
	}

	// 1. 企业概况
	companyName, _ := steps.Text(applicant, "company_name")
	industry, _ := steps.Text(applicant, "industry")
	employeeCount, _ := steps.Integer(applicant, "employee_count")
	foundedYear, _ := steps.Integer(applicant, "founded_year")
	businessSummary, _ := steps.Text(business, "summary")
	mainProducts, _ := steps.Text(business, "main_products")

	profile := []string{
		fmt.Sprintf("企业名称: %s", companyName),
		fmt.Sprintf("所属行业: %s", industry),
		fmt.Sprintf("从业人数: %d 人", employeeCount),
		fmt.Sprintf("成立年份: %d 年", foundedYear),
		fmt.Sprintf("主要产品/服务: %s", mainProducts),
		"",
		businessSummary,
	}
	doc.Sections = append(doc.Sections, models.DocumentSection{
		ID:      "profile",
		Heading: "申请企业概况",
		Kind:    "profile",
		Body:    strings.Join(profile, "\n"),
	})

	// 2. 申请必要性（生成章节）
	doc.Sections = append(doc.Sections, generatedSection(draft, models.SectionNecessity))

	// 3. 实施方案（生成章节 + 周期）
	implementation := generatedSection(draft, models.SectionImplementation)
	if months, ok := steps.Integer(plan, "schedule_months"); ok {
		implementation.Body += fmt.Sprintf("\n\n实施周期: %d 个月", months)
	}
	doc.Sections = append(doc.Sections, implementation)

	// 4. 经费明细表
	items, _ := steps.Items(budget, "items")
	declaredTotal, _ := steps.Number(budget, "declared_total")
	rows := make([][]string, 0, len(items)+1)
	for _, item := range items {
		rows = append(rows, []string{item.Name, formatAmount(item.Amount)})
	}
	rows = append(rows, []string{"合计", formatAmount(declaredTotal)})
	doc.Sections = append(doc.Sections, models.DocumentSection{
		ID:      "budget",
		Heading: "经费明细",
		Kind:    "table",
		Rows:    rows,
	})

	// 5. 效果说明（生成章节 + 指标）
	effectSection := generatedSection(draft, models.SectionEffectStatement)
	metricName, _ := steps.Text(effect, "metric_name")
	currentValue, _ := steps.Number(effect, "current_value")
	targetValue, _ := steps.Number(effect, "target_value")
	targetYear, _ := steps.Integer(effect, "target_year")
	if metricName != "" {
		effectSection.Body += fmt.Sprintf("\n\n目标指标: %s 由 %s 提升至 %s（%d 年达成）",
			metricName, formatNumber(currentValue), formatNumber(targetValue), targetYear)
	}
	doc.Sections = append(doc.Sections, effectSection)

	// 6. 事业概要书（生成章节）
	doc.Sections = append(doc.Sections, generatedSection(draft, models.SectionSummary))

	return doc
}

// generatedSection 从草稿取出已生成的章节内容
func generatedSection(draft *models.Draft, sectionID string) models.DocumentSection {
	section := models.DocumentSection{
		ID:      sectionID,
		Heading: models.SectionHeading(sectionID),
		Kind:    "narrative",
	}
	if content, ok := draft.GeneratedSections[sectionID]; ok {
		section.Body = content.Text
		section.Mode = content.Mode
	}
	return section
}

// formatAmount 金额千分位显示，申请表惯例不带小数
func formatAmount(amount float64) string {
	raw := strconv.FormatFloat(amount, 'f', 0, 64)
	negative := strings.HasPrefix(raw, "-")
	digits := strings.TrimPrefix(raw, "-")

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
