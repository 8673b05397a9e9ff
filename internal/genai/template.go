// internal/genai/template.go
package genai

import (
	"fmt"
	"strings"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 生成篇幅上限
var (
	DefaultMaxTokens = 1200
	CompactMaxTokens = 400
)

// TemplateContext 模板与提示词共用的草稿要素
// 从步骤数据中提取，缺失字段以零值参与，函数本身保持纯函数
type TemplateContext struct {
	CompanyName     string
	Industry        string
	EmployeeCount   int
	FoundedYear     int
	BusinessSummary string
	MainProducts    string
	PlanBody        string
	ScheduleMonths  int
	BudgetTotal     float64
	MetricName      string
	CurrentValue    float64
	TargetValue     float64
	TargetYear      int
}

// EmployeeBand 企业规模档位，模板按档位选择措辞
func (tc TemplateContext) EmployeeBand() string {
	switch {
	case tc.EmployeeCount <= 0:
		return "未填报规模"
	case tc.EmployeeCount <= 20:
		return "小规模"
	case tc.EmployeeCount <= 100:
		return "中小规模"
	case tc.EmployeeCount <= 300:
		return "中等规模"
	default:
		return "大规模"
	}
}

// industryFlavor 行业措辞
func industryFlavor(industry string) string {
	switch {
	case strings.Contains(industry, "製造") || strings.Contains(industry, "制造"):
		return "通过设备更新与工艺改良提升生产效率"
	case strings.Contains(industry, "信息") || strings.Contains(industry, "软件") ||
		strings.Contains(industry, "IT") || strings.Contains(industry, "情報"):
		return "通过数字化手段提升服务交付能力"
	case strings.Contains(industry, "建設") || strings.Contains(industry, "建筑") ||
		strings.Contains(industry, "建设"):
		return "通过施工管理与安全体系升级提升工程质量"
	default:
		return "通过本次投入全面提升经营能力"
	}
}

// FallbackSection 模板兜底层
// 纯本地、确定性：相同的章节与草稿要素永远产出相同文本，任何情况下都不失败
func FallbackSection(sectionID string, tc TemplateContext) string {
	company := tc.CompanyName
	if company == "" {
		company = "本企业"
	}
	industry := tc.Industry
	if industry == "" {
		industry = "所属行业"
	}
	metric := tc.MetricName
	if metric == "" {
		metric = "核心经营指标"
	}

	switch sectionID {
	case models.SectionNecessity:
		return fmt.Sprintf(
			"%s是一家%s领域的%s企业。当前行业环境变化迅速，现有经营方式已难以支撑持续增长，"+
				"%s成为当务之急。本次申请补助，正是为了弥补自有资金的不足，"+
				"在计划周期内完成上述投入，夯实企业的长期竞争力。若缺乏本次支持，"+
				"相关投入将被迫推迟，错失市场窗口期。",
			company, industry, tc.EmployeeBand(), industryFlavor(industry))

	case models.SectionImplementation:
		schedule := "计划周期内"
		if tc.ScheduleMonths > 0 {
			schedule = fmt.Sprintf("%d个月内", tc.ScheduleMonths)
		}
		budget := ""
		if tc.BudgetTotal > 0 {
			budget = fmt.Sprintf("项目总投入约%.0f，", tc.BudgetTotal)
		}
		return fmt.Sprintf(
			"%s将在%s分阶段落实本项目。%s实施上坚持先试点验证、再全面推开：前期完成方案细化与采购，"+
				"中期开展部署与人员培训，后期进行效果验收与总结。项目由经营层直接负责，"+
				"每月核对进度与支出，确保按计划推进。",
			company, schedule, budget)

	case models.SectionEffectStatement:
		if tc.CurrentValue != 0 || tc.TargetValue != 0 {
			return fmt.Sprintf(
				"本项目完成后，%s预计将%s从当前的%.0f提升至%.0f（目标年份%d）。"+
					"该目标基于现有经营数据测算，并已考虑%s企业的承受能力。"+
					"指标达成情况将按年度复盘，并向主管部门如实报告。",
				company, metric, tc.CurrentValue, tc.TargetValue, tc.TargetYear, tc.EmployeeBand())
		}
		return fmt.Sprintf(
			"本项目完成后，%s预计在%s方面取得显著改善。目标达成情况将按年度复盘，"+
				"并向主管部门如实报告。",
			company, metric)

	case models.SectionSummary:
		summary := tc.BusinessSummary
		if summary == "" {
			summary = "围绕主营业务持续深耕"
		}
		products := tc.MainProducts
		if products == "" {
			products = "核心产品与服务"
		}
		return fmt.Sprintf(
			"%s（%s，%s）长期%s，主要经营%s。本次申报项目聚焦%s，"+
				"以期将经营成果转化为可持续的增长动力。",
			company, industry, tc.EmployeeBand(), summary, products, industryFlavor(industry))

	default:
		return fmt.Sprintf("%s就「%s」章节的补充说明：本章节内容将在材料完善后更新。", company, sectionID)
	}
}

// PromptForSection 构建章节生成提示词
// compact为降级重试使用：缩减篇幅要求，降低对端压力
func PromptForSection(sectionID string, tc TemplateContext, compact bool) (systemPrompt, userPrompt string) {
	systemPrompt = "你是一名资深的政府补助金申请顾问，擅长为中小企业撰写严谨、具体、" +
		"符合审查口径的申请材料。输出纯正文，不要任何前言或客套。"

	var goal string
	switch sectionID {
	case models.SectionNecessity:
		goal = "撰写「申请必要性」：说明企业现状、面临的课题、为何必须现在投入，以及补助对企业的意义"
	case models.SectionImplementation:
		goal = "撰写「实施方案」：说明实施步骤、时间安排、责任体制和经费使用方式"
	case models.SectionEffectStatement:
		goal = "撰写「效果说明」：围绕目标指标量化说明项目预期效果与测算依据"
	case models.SectionSummary:
		goal = "撰写「事业概要书」：概括企业情况与本次申报项目的整体轮廓"
	default:
		goal = fmt.Sprintf("撰写「%s」章节", sectionID)
	}

	length := "篇幅600-900字"
	if compact {
		length = "篇幅200-300字，只保留最核心的论述"
	}

	var sb strings.Builder
	sb.WriteString(goal)
	sb.WriteString("。")
	sb.WriteString(length)
	sb.WriteString("。\n\n企业信息：\n")
	fmt.Fprintf(&sb, "- 企业名称：%s\n", tc.CompanyName)
	fmt.Fprintf(&sb, "- 所属行业：%s\n", tc.Industry)
	fmt.Fprintf(&sb, "- 从业人数：%d（%s）\n", tc.EmployeeCount, tc.EmployeeBand())
	if tc.FoundedYear > 0 {
		fmt.Fprintf(&sb, "- 成立年份：%d\n", tc.FoundedYear)
	}
	if tc.BusinessSummary != "" {
		fmt.Fprintf(&sb, "- 事业概要：%s\n", tc.BusinessSummary)
	}
	if tc.MainProducts != "" {
		fmt.Fprintf(&sb, "- 主要产品：%s\n", tc.MainProducts)
	}
	if tc.PlanBody != "" {
		fmt.Fprintf(&sb, "- 实施计划：%s\n", tc.PlanBody)
	}
	if tc.ScheduleMonths > 0 {
		fmt.Fprintf(&sb, "- 实施周期：%d个月\n", tc.ScheduleMonths)
	}
	if tc.BudgetTotal > 0 {
		fmt.Fprintf(&sb, "- 经费合计：%.0f\n", tc.BudgetTotal)
	}
	if tc.MetricName != "" {
		fmt.Fprintf(&sb, "- 目标指标：%s（当前%.0f → 目标%.0f，%d年达成）\n",
			tc.MetricName, tc.CurrentValue, tc.TargetValue, tc.TargetYear)
	}

	return systemPrompt, sb.String()
}
