// internal/services/wizard_service_test.go
package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/steps"
)

func newWizardHarness(t *testing.T) (*WizardService, *DraftService, *stubStore, *fakeClock, *captureSink) {
	t.Helper()

	store := newStubStore()
	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	drafts := NewDraftService(store, clock, DefaultAutosaveWindow, NewLockManager(), sink)
	wizard := NewWizardService(drafts, clock, sink)
	return wizard, drafts, store, clock, sink
}

// fillStep 写入一步数据并断言即时校验通过
func fillStep(t *testing.T, wizard *WizardService, draftID, stepID string, values map[string]any) {
	t.Helper()

	_, result, err := wizard.UpdateStepData(context.Background(), draftID, stepID, values)
	require.NoError(t, err)
	require.True(t, result.OK, "步骤 %s 校验应通过: %+v", stepID, result.Errors)
}

func TestCreateDraftDefaults(t *testing.T) {
	wizard, _, store, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, "未命名申请", state.Draft.Title)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
	assert.Equal(t, models.DraftStatusDrafting, state.Draft.Status)
	assert.Equal(t, 0, state.FurthestValidatedStep)
	assert.Zero(t, state.Progress)
	assert.Len(t, state.Steps, steps.Count())

	// 创建即落盘，无需等待自动保存窗口
	assert.NotNil(t, store.savedDraft(state.Draft.ID))

	_, err = wizard.CreateDraft(ctx, strings.Repeat("长", 81))
	assert.True(t, apperrors.IsValidationError(err))
}

func TestUpdateStepDataMergesAndValidates(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	// 部分填写：数据保存但校验失败
	state, result, err := wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{
		"company_name": "山田精密工业",
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, "山田精密工业", state.Draft.StepData[steps.StepApplicant]["company_name"])

	fields := make([]string, 0, len(result.Errors))
	for _, fieldErr := range result.Errors {
		fields = append(fields, fieldErr.Field)
	}
	assert.Contains(t, fields, "industry")
	assert.Contains(t, fields, "employee_count")

	// 补齐剩余字段后合并生效
	state, result, err = wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{
		"industry":       "製造業",
		"employee_count": float64(42),
		"founded_year":   float64(1998),
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "山田精密工业", state.Draft.StepData[steps.StepApplicant]["company_name"])
	assert.Equal(t, 1, state.FurthestValidatedStep)

	_, _, err = wizard.UpdateStepData(ctx, draftID, "no_such_step", map[string]any{"x": 1})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, _, err = wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, nil)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestGoNextBlockedUntilValid(t *testing.T) {
	wizard, _, _, _, sink := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	// 空白步骤不能前进，返回校验结果而非错误
	state, result, err := wizard.GoNext(ctx, draftID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
	assert.Zero(t, sink.count(models.EventStepChanged))

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())

	state, result, err = wizard.GoNext(ctx, draftID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 2, state.Draft.CurrentStepIndex)

	events := sink.byType(models.EventStepChanged)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Payload["from"])
	assert.Equal(t, 2, events[0].Payload["to"])
	assert.Equal(t, "next", events[0].Payload["action"])
}

func TestGoNextAtFinalStepStaysPut(t *testing.T) {
	wizard, drafts, _, clock, sink := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillAllSteps(t, wizard, draftID)
	draft, err := drafts.Get(ctx, draftID)
	require.NoError(t, err)
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())
	fillStep(t, wizard, draftID, steps.StepConfirm, validConfirmData())

	state, err = wizard.JumpTo(ctx, draftID, steps.Count())
	require.NoError(t, err)
	require.Equal(t, steps.Count(), state.Draft.CurrentStepIndex)
	moved := sink.count(models.EventStepChanged)

	// 末步校验通过时前进封顶为原地成功，不算一次步骤切换
	state, result, err := wizard.GoNext(ctx, draftID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, steps.Count(), state.Draft.CurrentStepIndex)
	assert.Equal(t, moved, sink.count(models.EventStepChanged))
}

func TestStepTransitionFlushesImmediately(t *testing.T) {
	wizard, _, store, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())

	_, _, err = wizard.GoNext(ctx, draftID)
	require.NoError(t, err)

	// 步骤切换立即落盘，不等自动保存窗口
	saved := store.savedDraft(draftID)
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.CurrentStepIndex)
	assert.Equal(t, "山田精密工业", saved.StepData[steps.StepApplicant]["company_name"])
}

func TestGoBackLimits(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	_, err = wizard.GoBack(ctx, draftID)
	assert.True(t, apperrors.IsConflictError(err), "第一步不能后退")

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())
	_, _, err = wizard.GoNext(ctx, draftID)
	require.NoError(t, err)

	// 后退不做校验，把第一步数据改坏也能退回
	_, result, err := wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{
		"company_name": "",
	})
	require.NoError(t, err)
	require.False(t, result.OK)

	state, err = wizard.GoBack(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
}

func TestJumpToRules(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())
	fillStep(t, wizard, draftID, steps.StepBusiness, validBusinessData())

	// 已验证前缀为2，最多可达第3步
	_, err = wizard.JumpTo(ctx, draftID, 4)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflictError(err))

	state, err = wizard.JumpTo(ctx, draftID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Draft.CurrentStepIndex)

	// 往回跳永远允许
	state, err = wizard.JumpTo(ctx, draftID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)

	_, err = wizard.JumpTo(ctx, draftID, 0)
	assert.True(t, apperrors.IsValidationError(err))
	_, err = wizard.JumpTo(ctx, draftID, steps.Count()+1)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestJumpToSameStepNoEvent(t *testing.T) {
	wizard, _, _, _, sink := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)

	state, err = wizard.JumpTo(ctx, state.Draft.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
	assert.Zero(t, sink.count(models.EventStepChanged))
}

func TestProgressReport(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())
	fillStep(t, wizard, draftID, steps.StepBusiness, validBusinessData())
	fillStep(t, wizard, draftID, steps.StepPlan, validPlanData())

	report, err := wizard.Progress(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.FurthestValidatedStep)
	assert.InDelta(t, 50.0, report.Progress, 0.01)
	assert.Len(t, report.Steps, steps.Count())
	assert.Equal(t, models.DraftStatusDrafting, report.Status)

	// 第1步失效：最远可达要求连续前缀所以回到0，
	// 进度只数通过校验的步骤，第2、3步仍计入
	_, result, err := wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{
		"company_name": "",
	})
	require.NoError(t, err)
	assert.False(t, result.OK)

	report, err = wizard.Progress(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FurthestValidatedStep)
	assert.InDelta(t, 33.33, report.Progress, 0.01)
}

func TestProgressCountsNonContiguousSteps(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	// 只填第2、3步，第1步留空
	fillStep(t, wizard, draftID, steps.StepBusiness, validBusinessData())
	fillStep(t, wizard, draftID, steps.StepPlan, validPlanData())

	report, err := wizard.Progress(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.FurthestValidatedStep, "跳跃门禁仍看连续前缀")
	assert.InDelta(t, 33.33, report.Progress, 0.01, "进度按通过校验的步骤数计")
}

// fillAllSteps 填满前五步并确认
func fillAllSteps(t *testing.T, wizard *WizardService, draftID string) {
	t.Helper()

	fillStep(t, wizard, draftID, steps.StepApplicant, validApplicantData())
	fillStep(t, wizard, draftID, steps.StepBusiness, validBusinessData())
	fillStep(t, wizard, draftID, steps.StepPlan, validPlanData())
	fillStep(t, wizard, draftID, steps.StepBudget, validBudgetData())
	fillStep(t, wizard, draftID, steps.StepEffect, validEffectData())
}

func TestBuildRequiresGeneratedSections(t *testing.T) {
	wizard, drafts, _, clock, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillAllSteps(t, wizard, draftID)
	_, _, err = wizard.UpdateStepData(ctx, draftID, steps.StepConfirm, validConfirmData())
	require.NoError(t, err)

	// 章节未生成时确认步骤不通过，构建被拒
	state, failed, err := wizard.Build(ctx, draftID)
	require.NoError(t, err)
	require.NotEmpty(t, failed)
	assert.Equal(t, steps.StepConfirm, failed[0].StepID)
	assert.False(t, state.Draft.IsBuilt())

	// 补齐生成章节后构建成功
	draft, err := drafts.Get(ctx, draftID)
	require.NoError(t, err)
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())

	state, failed, err = wizard.Build(ctx, draftID)
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.True(t, state.Draft.IsBuilt())

	doc := state.Draft.FinalDocument
	require.NotNil(t, doc)
	require.Len(t, doc.Sections, 6)

	ids := make([]string, 0, 6)
	for _, section := range doc.Sections {
		ids = append(ids, section.ID)
	}
	assert.Equal(t, []string{
		"profile",
		models.SectionNecessity,
		models.SectionImplementation,
		"budget",
		models.SectionEffectStatement,
		models.SectionSummary,
	}, ids)

	// 经费表带合计行，金额千分位
	budget := doc.Sections[3]
	assert.Equal(t, "table", budget.Kind)
	require.Len(t, budget.Rows, 3)
	assert.Equal(t, []string{"合计", "4,500,000"}, budget.Rows[2])

	// 概况包含企业要素
	assert.Contains(t, doc.Sections[0].Body, "山田精密工业")
	assert.Contains(t, doc.Sections[0].Body, "从业人数: 42 人")

	// 实施方案末尾追加周期
	assert.Contains(t, doc.Sections[2].Body, "实施周期: 12 个月")

	// 叙述章节携带产出层级
	assert.Equal(t, models.GenerationModePrimary, doc.Sections[1].Mode)
}

func TestBuiltDraftLocksEditing(t *testing.T) {
	wizard, drafts, _, clock, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillAllSteps(t, wizard, draftID)
	draft, err := drafts.Get(ctx, draftID)
	require.NoError(t, err)
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())
	_, _, err = wizard.UpdateStepData(ctx, draftID, steps.StepConfirm, validConfirmData())
	require.NoError(t, err)

	_, failed, err := wizard.Build(ctx, draftID)
	require.NoError(t, err)
	require.Empty(t, failed)

	// 构建后编辑与步骤调整都被拒绝
	_, _, err = wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{"company_name": "改名"})
	assert.True(t, apperrors.IsConflictError(err))
	_, _, err = wizard.GoNext(ctx, draftID)
	assert.True(t, apperrors.IsConflictError(err))
	_, err = wizard.GoBack(ctx, draftID)
	assert.True(t, apperrors.IsConflictError(err))
	_, err = wizard.JumpTo(ctx, draftID, 1)
	assert.True(t, apperrors.IsConflictError(err))

	// 重复构建同样冲突
	_, _, err = wizard.Build(ctx, draftID)
	assert.True(t, apperrors.IsConflictError(err))
}

func TestReopenRestoresEditing(t *testing.T) {
	wizard, drafts, _, clock, sink := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	_, err = wizard.Reopen(ctx, draftID)
	assert.True(t, apperrors.IsConflictError(err), "未构建不能重新打开")

	fillAllSteps(t, wizard, draftID)
	draft, err := drafts.Get(ctx, draftID)
	require.NoError(t, err)
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())
	_, _, err = wizard.UpdateStepData(ctx, draftID, steps.StepConfirm, validConfirmData())
	require.NoError(t, err)
	_, _, err = wizard.Build(ctx, draftID)
	require.NoError(t, err)

	state, err = wizard.Reopen(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusDrafting, state.Draft.Status)
	assert.Nil(t, state.Draft.FinalDocument)
	assert.Equal(t, 1, sink.count(models.EventDraftReopened))

	// 重新打开后可继续编辑，填写内容保留
	_, result, err := wizard.UpdateStepData(ctx, draftID, steps.StepApplicant, map[string]any{
		"company_name": "山田精密工业株式会社",
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestResetDraftClearsEverything(t *testing.T) {
	wizard, drafts, _, clock, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "设备更新申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	fillAllSteps(t, wizard, draftID)
	draft, err := drafts.Get(ctx, draftID)
	require.NoError(t, err)
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())
	_, _, err = wizard.GoNext(ctx, draftID)
	require.NoError(t, err)

	state, err = wizard.ResetDraft(ctx, draftID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
	assert.Empty(t, state.Draft.StepData)
	assert.Empty(t, state.Draft.GeneratedSections)
	assert.Equal(t, "设备更新申请", state.Draft.Title)
	assert.Equal(t, 0, state.FurthestValidatedStep)
}

func TestRestoreDraft(t *testing.T) {
	wizard, _, store, clock, _ := newWizardHarness(t)
	ctx := context.Background()

	// 未知ID：以同一ID重新开始
	state, restored, err := wizard.RestoreDraft(ctx, "client-held-id")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, "client-held-id", state.Draft.ID)
	assert.Equal(t, 1, state.Draft.CurrentStepIndex)
	assert.NotNil(t, store.savedDraft("client-held-id"), "重新开始的草稿立即落盘")

	_, _, err = wizard.RestoreDraft(ctx, "")
	assert.True(t, apperrors.IsValidationError(err))

	// 已有进度：新服务实例从存储恢复
	fillStep(t, wizard, "client-held-id", steps.StepApplicant, validApplicantData())
	_, _, err = wizard.GoNext(ctx, "client-held-id")
	require.NoError(t, err)

	freshDrafts := NewDraftService(store, clock, DefaultAutosaveWindow, NewLockManager(), nil)
	freshWizard := NewWizardService(freshDrafts, clock, nil)

	state, restored, err = freshWizard.RestoreDraft(ctx, "client-held-id")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, 2, state.Draft.CurrentStepIndex)
	assert.Equal(t, 1, state.FurthestValidatedStep)
	assert.Equal(t, "山田精密工业", state.Draft.StepData[steps.StepApplicant]["company_name"])
}

func TestDeleteDraft(t *testing.T) {
	wizard, _, store, _, _ := newWizardHarness(t)
	ctx := context.Background()

	state, err := wizard.CreateDraft(ctx, "即将删除")
	require.NoError(t, err)
	draftID := state.Draft.ID

	require.NoError(t, wizard.DeleteDraft(ctx, draftID))
	assert.Nil(t, store.savedDraft(draftID))

	_, err = wizard.GetState(ctx, draftID)
	assert.True(t, apperrors.IsNotFoundError(err))

	err = wizard.DeleteDraft(ctx, draftID)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestListDrafts(t *testing.T) {
	wizard, _, _, _, _ := newWizardHarness(t)
	ctx := context.Background()

	_, err := wizard.CreateDraft(ctx, "第一份")
	require.NoError(t, err)
	_, err = wizard.CreateDraft(ctx, "第二份")
	require.NoError(t, err)

	summaries, err := wizard.ListDrafts(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0", formatAmount(0))
	assert.Equal(t, "123", formatAmount(123))
	assert.Equal(t, "4,500,000", formatAmount(4500000))
	assert.Equal(t, "1,234,568", formatAmount(1234567.6))
	assert.Equal(t, "-3,200,000", formatAmount(-3200000))
}
