// internal/models/sections.go
package models

// AI生成章节的ID
const (
	SectionNecessity       = "necessity"
	SectionImplementation  = "implementation"
	SectionEffectStatement = "effect_statement"
	SectionSummary         = "summary"
)

// AISections 返回全部AI章节ID，批量生成按此固定顺序执行
func AISections() []string {
	return []string{
		SectionNecessity,
		SectionImplementation,
		SectionEffectStatement,
		SectionSummary,
	}
}

// SectionHeading 返回章节在申请书中的标题
func SectionHeading(sectionID string) string {
	switch sectionID {
	case SectionNecessity:
		return "申请必要性"
	case SectionImplementation:
		return "实施方案"
	case SectionEffectStatement:
		return "效果说明"
	case SectionSummary:
		return "事业概要书"
	default:
		return sectionID
	}
}

// IsAISection 判断是否为合法的AI章节ID
func IsAISection(sectionID string) bool {
	for _, id := range AISections() {
		if id == sectionID {
			return true
		}
	}
	return false
}
