// internal/services/export_service_test.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/render"
	"github.com/Corphon/GrantForgeAI/internal/steps"
)

func newExportHarness(t *testing.T) (*ExportService, *DraftService, *fakeClock, *captureSink) {
	t.Helper()

	store := newStubStore()
	clock := newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	drafts := NewDraftService(store, clock, DefaultAutosaveWindow, NewLockManager(), sink)
	svc := NewExportService(drafts, t.TempDir(), sink)
	return svc, drafts, clock, sink
}

// newBuiltDraft 构建完成的申请书草稿，含全部六个章节
func newBuiltDraft(t *testing.T, drafts *DraftService, clock *fakeClock) *models.Draft {
	t.Helper()

	draft := models.NewDraft("draft-export", "设备更新申请", clock.Now())
	draft.StepData = map[string]map[string]any{
		steps.StepApplicant: validApplicantData(),
		steps.StepBusiness:  validBusinessData(),
		steps.StepPlan:      validPlanData(),
		steps.StepBudget:    validBudgetData(),
		steps.StepEffect:    validEffectData(),
		steps.StepConfirm:   validConfirmData(),
	}
	fillGeneratedSections(draft, models.GenerationModePrimary, clock.Now())
	draft.FinalDocument = assembleDocument(draft, clock.Now())
	draft.Status = models.DraftStatusBuilt

	require.NoError(t, drafts.Create(context.Background(), draft))
	return draft
}

func TestExportPDF(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatPDF)
	require.NoError(t, err)

	assert.Equal(t, models.ExportFormatPDF, result.Format)
	assert.False(t, result.Fallback)
	assert.GreaterOrEqual(t, result.PageCount, 1)
	assert.True(t, strings.HasSuffix(result.FilePath, ".pdf"))
	assert.Empty(t, result.Content, "二进制格式不内联内容")

	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
	assert.Equal(t, result.FileSize, int64(len(data)))

	events := sink.byType(models.EventExportCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, models.ExportFormatPDF, events[0].Payload["format"])
	assert.Equal(t, false, events[0].Payload["fallback"])
}

func TestExportPDFPageCountMatchesCanvas(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	opts := render.DefaultOptions()
	canvas, err := render.Typeset(draft.FinalDocument, opts)
	require.NoError(t, err)
	expected := render.PageCount(canvas.Bounds().Dy(), opts.PageHeight)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatPDF)
	require.NoError(t, err)
	assert.Equal(t, expected, result.PageCount)
}

func TestExportPDFFallsBackToHTML(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	// 非法几何让排版失败，导出降级而不报错
	svc.SetRenderOptions(render.Options{PageWidth: 80, PageHeight: 200, Margin: 48})

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatPDF)
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	assert.Equal(t, models.ExportFormatHTML, result.Format)
	assert.Zero(t, result.PageCount)
	assert.Contains(t, result.Content, "<!DOCTYPE html>")
	assert.True(t, strings.HasSuffix(result.FilePath, ".html"))

	events := sink.byType(models.EventExportCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["fallback"])
}

func TestExportPDFTimeoutFallsBackToHTML(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	// 时限立即到期，渲染管线中途被掐断
	old := ExportTimeout
	ExportTimeout = -time.Millisecond
	defer func() { ExportTimeout = old }()

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatPDF)
	require.NoError(t, err, "超时走降级，不作为错误返回")

	assert.True(t, result.Fallback)
	assert.Equal(t, models.ExportFormatHTML, result.Format)
	assert.Contains(t, result.Content, "<!DOCTYPE html>")
	assert.FileExists(t, result.FilePath)

	events := sink.byType(models.EventExportCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["fallback"])
}

func TestExportHTML(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)

	assert.False(t, result.Fallback)
	assert.Contains(t, result.Content, "<!DOCTYPE html>")
	assert.Contains(t, result.Content, "设备更新申请")
	assert.Contains(t, result.Content, "经费明细")
	assert.Contains(t, result.Content, `<tr class="total"><td>合计</td>`)
	assert.Contains(t, result.Content, "4,500,000")
	assert.Contains(t, result.Content, "生成层级: primary")

	// 文件内容与内联内容一致
	data, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, result.Content, string(data))
}

func TestExportMarkdown(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatMarkdown)
	require.NoError(t, err)

	assert.Contains(t, result.Content, "# 设备更新申请")
	assert.Contains(t, result.Content, "## 申请企业概况")
	assert.Contains(t, result.Content, "| 项目 | 金额 |")
	assert.Contains(t, result.Content, "| 合计 | 4,500,000 |")
	assert.Contains(t, result.Content, "*生成层级: primary*")
	assert.True(t, strings.HasSuffix(result.FilePath, ".md"))
}

func TestExportJSON(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatJSON)
	require.NoError(t, err)

	var payload struct {
		Title        string                   `json:"title"`
		SectionCount int                      `json:"section_count"`
		Sections     []models.DocumentSection `json:"sections"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content), &payload))
	assert.Equal(t, "设备更新申请", payload.Title)
	assert.Equal(t, 6, payload.SectionCount)
	require.Len(t, payload.Sections, 6)
	assert.Equal(t, "profile", payload.Sections[0].ID)
}

func TestExportText(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatText)
	require.NoError(t, err)

	assert.Contains(t, result.Content, "设备更新申请")
	assert.Contains(t, result.Content, strings.Repeat("=", 50))
	assert.Contains(t, result.Content, "  合计  4,500,000")
	assert.Contains(t, result.Content, "[生成层级: primary]")
	assert.True(t, strings.HasSuffix(result.FilePath, ".txt"))
}

func TestExportValidation(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	_, err := svc.Export(context.Background(), "", models.ExportFormatPDF)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = svc.Export(context.Background(), draft.ID, "docx")
	assert.True(t, apperrors.IsValidationError(err))

	// 格式大小写不敏感
	result, err := svc.Export(context.Background(), draft.ID, "HTML")
	require.NoError(t, err)
	assert.Equal(t, models.ExportFormatHTML, result.Format)
}

func TestExportUnbuiltDraft(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)

	draft := models.NewDraft("draft-unbuilt", "尚在填写", clock.Now())
	require.NoError(t, drafts.Create(context.Background(), draft))

	_, err := svc.Export(context.Background(), draft.ID, models.ExportFormatPDF)
	assert.True(t, apperrors.IsConflictError(err))
}

func TestExportUnknownDraft(t *testing.T) {
	svc, _, _, _ := newExportHarness(t)

	_, err := svc.Export(context.Background(), "no-such-draft", models.ExportFormatPDF)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestExportCacheReuse(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)
	ctx := context.Background()

	first, err := svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)

	// 同一构建版本的重复导出直接复用产物，不再生成
	second, err := svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)
	assert.Equal(t, first.FilePath, second.FilePath)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, sink.count(models.EventExportCompleted))

	// 产物文件被删掉后缓存失效，重新导出
	require.NoError(t, os.Remove(first.FilePath))
	third, err := svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)
	assert.FileExists(t, third.FilePath)
	assert.Equal(t, 2, sink.count(models.EventExportCompleted))
}

func TestExportCacheKeyedByBuildVersion(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)
	ctx := context.Background()

	_, err := svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)

	// 重新构建产生新的构建时间，缓存按版本区分
	draft.FinalDocument.BuiltAt = draft.FinalDocument.BuiltAt.Add(time.Minute)

	_, err = svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count(models.EventExportCompleted))
}

func TestExportInvalidateDraft(t *testing.T) {
	svc, drafts, clock, sink := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)
	ctx := context.Background()

	_, err := svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)

	svc.InvalidateDraft(draft.ID)

	_, err = svc.Export(ctx, draft.ID, models.ExportFormatHTML)
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count(models.EventExportCompleted))
}

func TestExportWritesIntoExportsDir(t *testing.T) {
	svc, drafts, clock, _ := newExportHarness(t)
	draft := newBuiltDraft(t, drafts, clock)

	result, err := svc.Export(context.Background(), draft.ID, models.ExportFormatMarkdown)
	require.NoError(t, err)

	assert.Equal(t, svc.exportsDir, filepath.Dir(result.FilePath))
	assert.True(t, strings.HasPrefix(filepath.Base(result.FilePath), "设备更新申请_"))
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "申请书", sanitizeFileName("   "))
	assert.Equal(t, "a_b_c", sanitizeFileName("a/b c"))
	assert.Equal(t, "____", sanitizeFileName(`:*?|`))

	long := strings.Repeat("长", 80)
	assert.Equal(t, 60, len([]rune(sanitizeFileName(long))))
}

func TestFormatExtension(t *testing.T) {
	assert.Equal(t, "md", formatExtension(models.ExportFormatMarkdown))
	assert.Equal(t, "pdf", formatExtension(models.ExportFormatPDF))
	assert.Equal(t, "txt", formatExtension(models.ExportFormatText))
}
