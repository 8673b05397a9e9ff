// internal/steps/steps_test.go
package steps

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

func TestRegistryOrdering(t *testing.T) {
	require.NoError(t, Verify())
	require.Equal(t, 6, Count())

	all := All()
	for i, def := range all {
		assert.Equal(t, i+1, def.Ordinal)
	}
	assert.Equal(t, "applicant", all[0].ID)
	assert.Equal(t, "confirm", all[5].ID)

	def, ok := ByOrdinal(4)
	require.True(t, ok)
	assert.Equal(t, "budget", def.ID)

	_, ok = ByOrdinal(0)
	assert.False(t, ok)
	_, ok = ByOrdinal(7)
	assert.False(t, ok)

	_, ok = Get("no_such_step")
	assert.False(t, ok)
}

func TestValidateApplicant(t *testing.T) {
	valid := map[string]any{
		"company_name":   "山田精密工业",
		"industry":       "製造業",
		"employee_count": float64(42),
		"founded_year":   float64(1998),
	}
	result := validateApplicant(valid)
	assert.True(t, result.OK)
	assert.Empty(t, result.Errors)

	missing := map[string]any{
		"industry": "製造業",
	}
	result = validateApplicant(missing)
	require.False(t, result.OK)
	fields := errorFields(result)
	assert.Contains(t, fields, "company_name")
	assert.Contains(t, fields, "employee_count")
	assert.Contains(t, fields, "founded_year")

	outOfRange := map[string]any{
		"company_name":   "山田精密工业",
		"industry":       "製造業",
		"employee_count": float64(0),
		"founded_year":   float64(1700),
	}
	result = validateApplicant(outOfRange)
	require.False(t, result.OK)
	fields = errorFields(result)
	assert.Contains(t, fields, "employee_count")
	assert.Contains(t, fields, "founded_year")

	fractional := map[string]any{
		"company_name":   "山田精密工业",
		"industry":       "製造業",
		"employee_count": 42.5,
		"founded_year":   float64(1998),
	}
	result = validateApplicant(fractional)
	assert.False(t, result.OK)
}

func TestValidateBusinessLengthCountsRunes(t *testing.T) {
	// 19个汉字不足20字下限
	short := map[string]any{
		"summary":       strings.Repeat("精", 19),
		"main_products": "精密零件",
	}
	result := validateBusiness(short)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "summary")

	// 刚好20字通过
	ok := map[string]any{
		"summary":       strings.Repeat("精", 20),
		"main_products": "精密零件",
	}
	result = validateBusiness(ok)
	assert.True(t, result.OK)

	tooLong := map[string]any{
		"summary":       strings.Repeat("精", 801),
		"main_products": "精密零件",
	}
	result = validateBusiness(tooLong)
	assert.False(t, result.OK)
}

func TestValidatePlan(t *testing.T) {
	valid := map[string]any{
		"plan_body":       strings.Repeat("按阶段推进设备更新与工艺验证。", 5),
		"schedule_months": float64(12),
	}
	result := validatePlan(valid)
	assert.True(t, result.OK)

	badMonths := map[string]any{
		"plan_body":       strings.Repeat("按阶段推进设备更新与工艺验证。", 5),
		"schedule_months": float64(48),
	}
	result = validatePlan(badMonths)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "schedule_months")
}

func TestValidateBudgetCrossField(t *testing.T) {
	// JSON解码后的条目形态
	items := []any{
		map[string]any{"name": "设备购置", "amount": float64(3000000)},
		map[string]any{"name": "系统开发", "amount": float64(1500000)},
	}

	matched := map[string]any{
		"items":          items,
		"declared_total": float64(4500000),
	}
	result := validateBudget(matched)
	assert.True(t, result.OK)

	// 偏差1以内放行
	nearly := map[string]any{
		"items":          items,
		"declared_total": float64(4500001),
	}
	result = validateBudget(nearly)
	assert.True(t, result.OK)

	mismatched := map[string]any{
		"items":          items,
		"declared_total": float64(5000000),
	}
	result = validateBudget(mismatched)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "total")

	empty := map[string]any{
		"items":          []any{},
		"declared_total": float64(100),
	}
	result = validateBudget(empty)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "items")

	badItem := map[string]any{
		"items": []any{
			map[string]any{"name": "", "amount": float64(-5)},
		},
		"declared_total": float64(100),
	}
	result = validateBudget(badItem)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "items")
}

func TestValidateEffect(t *testing.T) {
	valid := map[string]any{
		"metric_name":   "月产能",
		"current_value": float64(1000),
		"target_value":  float64(1500),
		"target_year":   float64(2027),
	}
	result := validateEffect(valid)
	assert.True(t, result.OK)

	same := map[string]any{
		"metric_name":   "月产能",
		"current_value": float64(1000),
		"target_value":  float64(1000),
		"target_year":   float64(2027),
	}
	result = validateEffect(same)
	require.False(t, result.OK)
	assert.Contains(t, errorFields(result), "target_value")
}

func TestValidateConfirm(t *testing.T) {
	result := validateConfirm(map[string]any{"agreed": true})
	assert.True(t, result.OK)

	result = validateConfirm(map[string]any{"agreed": false})
	assert.False(t, result.OK)

	result = validateConfirm(map[string]any{})
	assert.False(t, result.OK)
}

func TestConfirmDraftRuleRequiresSections(t *testing.T) {
	draft := models.NewDraft("d1", "测试草稿", time.Now())

	errs := confirmDraftRule(draft)
	require.Len(t, errs, len(models.AISections()))
	for _, fe := range errs {
		assert.Equal(t, "generated_sections", fe.Field)
	}

	for _, sectionID := range models.AISections() {
		draft.GeneratedSections[sectionID] = models.GeneratedContent{
			Text: "内容",
			Mode: models.GenerationModeFallbackTemplate,
		}
	}
	assert.Empty(t, confirmDraftRule(draft))
}

func TestCoercion(t *testing.T) {
	data := map[string]any{
		"float":  float64(3),
		"num":    json.Number("42"),
		"str":    " 7.5 ",
		"frac":   3.5,
		"text":   "  hello  ",
		"truthy": true,
	}

	f, ok := Number(data, "float")
	require.True(t, ok)
	assert.Equal(t, 3.0, f)

	f, ok = Number(data, "num")
	require.True(t, ok)
	assert.Equal(t, 42.0, f)

	f, ok = Number(data, "str")
	require.True(t, ok)
	assert.Equal(t, 7.5, f)

	_, ok = Number(data, "missing")
	assert.False(t, ok)

	n, ok := Integer(data, "num")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = Integer(data, "frac")
	assert.False(t, ok)

	s, ok := Text(data, "text")
	require.True(t, ok)
	assert.Equal(t, "hello", s)

	assert.True(t, Flag(data, "truthy"))
	assert.False(t, Flag(data, "missing"))

	items, ok := Items(map[string]any{
		"items": []any{
			map[string]any{"name": "设备", "amount": json.Number("100")},
		},
	}, "items")
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "设备", items[0].Name)
	assert.Equal(t, 100.0, items[0].Amount)
}

func errorFields(result models.ValidationResult) []string {
	fields := make([]string, 0, len(result.Errors))
	for _, fe := range result.Errors {
		fields = append(fields, fe.Field)
	}
	return fields
}
