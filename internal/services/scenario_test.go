// internal/services/scenario_test.go
package services

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GrantForgeAI/internal/genai"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/render"
	"github.com/Corphon/GrantForgeAI/internal/steps"
)

// 完整申报流程：逐步填写→上游过载降级生成→构建→导出PDF
func TestFullApplicationScenario(t *testing.T) {
	ctx := context.Background()

	store := newStubStore()
	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	drafts := NewDraftService(store, clock, DefaultAutosaveWindow, NewLockManager(), sink)
	wizard := NewWizardService(drafts, clock, sink)
	gen := NewGenerationService("", nil, drafts, clock, sink)
	export := NewExportService(drafts, t.TempDir(), sink)

	// 主请求一律过载，紧凑重试成功
	provider := &stubProvider{
		respond: func(req genai.SectionRequest) (*genai.SectionResponse, error) {
			if !req.Compact {
				return nil, genai.NewServiceError(genai.FailureOverloaded, "stub", "上游过载", nil)
			}
			return &genai.SectionResponse{
				Text:       "关于" + req.Section + "的紧凑版叙述。",
				TokensUsed: 40,
			}, nil
		},
	}
	installProvider(gen, provider)

	state, err := wizard.CreateDraft(ctx, "省力化投资补助申请")
	require.NoError(t, err)
	draftID := state.Draft.ID

	// 按向导顺序逐步填写并前进
	stepData := map[string]map[string]any{
		steps.StepApplicant: validApplicantData(),
		steps.StepBusiness:  validBusinessData(),
		steps.StepPlan:      validPlanData(),
		steps.StepBudget:    validBudgetData(),
		steps.StepEffect:    validEffectData(),
	}
	for _, def := range steps.All()[:5] {
		fillStep(t, wizard, draftID, def.ID, stepData[def.ID])
		state, result, err := wizard.GoNext(ctx, draftID)
		require.NoError(t, err)
		require.True(t, result.OK)
		assert.Equal(t, def.Ordinal+1, state.Draft.CurrentStepIndex)
	}

	// 四个章节全部经降级重试产出
	outcomes, err := gen.GenerateAll(ctx, draftID)
	require.NoError(t, err)
	require.Len(t, outcomes, len(models.AISections()))
	for _, outcome := range outcomes {
		assert.Equal(t, models.GenerationModeDegradedRetry, outcome.Mode)
	}
	assert.Equal(t, 2*len(models.AISections()), provider.callCount())

	fillStep(t, wizard, draftID, steps.StepConfirm, validConfirmData())

	state, failed, err := wizard.Build(ctx, draftID)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.True(t, state.Draft.IsBuilt())

	// 叙述章节携带降级层级
	doc := state.Draft.FinalDocument
	require.NotNil(t, doc)
	assert.Equal(t, models.GenerationModeDegradedRetry, doc.Sections[1].Mode)

	// 构建后进度100%
	report, err := wizard.Progress(ctx, draftID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, report.Progress, 0.01)

	// PDF导出页数与排版画布一致
	result, err := export.Export(ctx, draftID, models.ExportFormatPDF)
	require.NoError(t, err)
	assert.False(t, result.Fallback)

	opts := render.DefaultOptions()
	canvas, err := render.Typeset(doc, opts)
	require.NoError(t, err)
	assert.Equal(t, render.PageCount(canvas.Bounds().Dy(), opts.PageHeight), result.PageCount)

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	// 构建后的草稿已落盘
	saved := store.savedDraft(draftID)
	require.NotNil(t, saved)
	assert.Equal(t, models.DraftStatusBuilt, saved.Status)
}
