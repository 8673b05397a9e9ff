// internal/steps/definitions.go
package steps

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 本部署的固定步骤序列：
// 1.企业概况 2.事业概要 3.实施计划 4.经费明细 5.预期效果 6.最终确认
const (
	StepApplicant = "applicant"
	StepBusiness  = "business"
	StepPlan      = "plan"
	StepBudget    = "budget"
	StepEffect    = "effect"
	StepConfirm   = "confirm"
)

// 经费合计与明细之和允许的最大偏差（货币单位）
const budgetTolerance = 1.0

func init() {
	Register(&StepDefinition{
		ID:      StepApplicant,
		Ordinal: 1,
		Title:   "企业概况",
		Fields: []models.FieldSpec{
			{Name: "company_name", Label: "企业名称", Kind: "text", Required: true},
			{Name: "industry", Label: "所属行业", Kind: "text", Required: true},
			{Name: "employee_count", Label: "从业人数", Kind: "number", Required: true},
			{Name: "founded_year", Label: "成立年份", Kind: "number", Required: true},
		},
		Validate: validateApplicant,
	})

	Register(&StepDefinition{
		ID:      StepBusiness,
		Ordinal: 2,
		Title:   "事业概要",
		Fields: []models.FieldSpec{
			{Name: "summary", Label: "事业概要", Kind: "text", Required: true},
			{Name: "main_products", Label: "主要产品/服务", Kind: "text", Required: true},
		},
		Validate: validateBusiness,
	})

	Register(&StepDefinition{
		ID:      StepPlan,
		Ordinal: 3,
		Title:   "实施计划",
		Fields: []models.FieldSpec{
			{Name: "plan_body", Label: "实施计划内容", Kind: "text", Required: true},
			{Name: "schedule_months", Label: "实施周期(月)", Kind: "number", Required: true},
		},
		Validate: validatePlan,
	})

	Register(&StepDefinition{
		ID:      StepBudget,
		Ordinal: 4,
		Title:   "经费明细",
		Fields: []models.FieldSpec{
			{Name: "items", Label: "经费条目", Kind: "items", Required: true},
			{Name: "declared_total", Label: "经费合计", Kind: "number", Required: true},
		},
		Validate: validateBudget,
	})

	Register(&StepDefinition{
		ID:      StepEffect,
		Ordinal: 5,
		Title:   "预期效果",
		Fields: []models.FieldSpec{
			{Name: "metric_name", Label: "目标指标", Kind: "text", Required: true},
			{Name: "current_value", Label: "当前值", Kind: "number", Required: true},
			{Name: "target_value", Label: "目标值", Kind: "number", Required: true},
			{Name: "target_year", Label: "达成年份", Kind: "number", Required: true},
		},
		Validate: validateEffect,
	})

	Register(&StepDefinition{
		ID:      StepConfirm,
		Ordinal: 6,
		Title:   "最终确认",
		Fields: []models.FieldSpec{
			{Name: "agreed", Label: "确认内容无误", Kind: "bool", Required: true},
		},
		Validate:  validateConfirm,
		DraftRule: confirmDraftRule,
	})
}

func validateApplicant(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	name, ok := Text(data, "company_name")
	if !ok || name == "" {
		result.AddError("company_name", "请填写企业名称")
	} else if utf8.RuneCountInString(name) > 120 {
		result.AddError("company_name", "企业名称不能超过120字")
	}

	industry, ok := Text(data, "industry")
	if !ok || industry == "" {
		result.AddError("industry", "请填写所属行业")
	}

	count, ok := Integer(data, "employee_count")
	if !ok {
		result.AddError("employee_count", "从业人数必须为整数")
	} else if count < 1 || count > 99999 {
		result.AddError("employee_count", "从业人数须在1到99999之间")
	}

	year, ok := Integer(data, "founded_year")
	if !ok {
		result.AddError("founded_year", "成立年份必须为整数")
	} else if year < 1800 || year > 2100 {
		result.AddError("founded_year", "成立年份不在有效范围内")
	}

	return result
}

func validateBusiness(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	summary, ok := Text(data, "summary")
	if !ok || summary == "" {
		result.AddError("summary", "请填写事业概要")
	} else {
		length := utf8.RuneCountInString(summary)
		if length < 20 {
			result.AddError("summary", "事业概要至少需要20字")
		} else if length > 800 {
			result.AddError("summary", "事业概要不能超过800字")
		}
	}

	products, ok := Text(data, "main_products")
	if !ok || products == "" {
		result.AddError("main_products", "请填写主要产品或服务")
	} else if utf8.RuneCountInString(products) > 300 {
		result.AddError("main_products", "主要产品说明不能超过300字")
	}

	return result
}

func validatePlan(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	body, ok := Text(data, "plan_body")
	if !ok || body == "" {
		result.AddError("plan_body", "请填写实施计划")
	} else {
		length := utf8.RuneCountInString(body)
		if length < 50 {
			result.AddError("plan_body", "实施计划至少需要50字")
		} else if length > 4000 {
			result.AddError("plan_body", "实施计划不能超过4000字")
		}
	}

	months, ok := Integer(data, "schedule_months")
	if !ok {
		result.AddError("schedule_months", "实施周期必须为整数月份")
	} else if months < 1 || months > 36 {
		result.AddError("schedule_months", "实施周期须在1到36个月之间")
	}

	return result
}

func validateBudget(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	items, ok := Items(data, "items")
	if !ok || len(items) == 0 {
		result.AddError("items", "请至少填写一条经费条目")
		items = nil
	}

	var sum float64
	for i, item := range items {
		if item.Name == "" {
			result.AddError("items", fmt.Sprintf("第%d条经费条目缺少名称", i+1))
		}
		if item.Amount <= 0 {
			result.AddError("items", fmt.Sprintf("第%d条经费条目金额必须大于0", i+1))
		}
		sum += item.Amount
	}

	total, ok := Number(data, "declared_total")
	if !ok {
		result.AddError("declared_total", "请填写经费合计")
		return result
	}
	if total <= 0 {
		result.AddError("declared_total", "经费合计必须大于0")
		return result
	}

	// 跨字段校验：明细之和与合计必须一致
	if len(items) > 0 && math.Abs(sum-total) > budgetTolerance {
		result.AddError("total", fmt.Sprintf("明细合计(%.0f)与申报合计(%.0f)不一致", sum, total))
	}

	return result
}

func validateEffect(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	metric, ok := Text(data, "metric_name")
	if !ok || metric == "" {
		result.AddError("metric_name", "请填写目标指标名称")
	}

	current, currentOK := Number(data, "current_value")
	if !currentOK {
		result.AddError("current_value", "请填写当前值")
	}

	target, targetOK := Number(data, "target_value")
	if !targetOK {
		result.AddError("target_value", "请填写目标值")
	}

	if currentOK && targetOK && current == target {
		result.AddError("target_value", "目标值不能与当前值相同")
	}

	year, ok := Integer(data, "target_year")
	if !ok {
		result.AddError("target_year", "达成年份必须为整数")
	} else if year < 2000 || year > 2100 {
		result.AddError("target_year", "达成年份不在有效范围内")
	}

	return result
}

func validateConfirm(data map[string]any) models.ValidationResult {
	result := models.ValidResult()

	if !Flag(data, "agreed") {
		result.AddError("agreed", "请确认申请内容无误")
	}

	return result
}

// confirmDraftRule 最终确认步骤要求所有AI章节已有产出（任意层级均可）
func confirmDraftRule(draft *models.Draft) []models.FieldError {
	var errs []models.FieldError
	for _, sectionID := range models.AISections() {
		content, ok := draft.GeneratedSections[sectionID]
		if !ok || content.Text == "" {
			errs = append(errs, models.FieldError{
				Field:   "generated_sections",
				Message: fmt.Sprintf("章节「%s」尚未生成", models.SectionHeading(sectionID)),
			})
		}
	}
	return errs
}
