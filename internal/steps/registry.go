// internal/steps/registry.go
package steps

import (
	"fmt"
	"sort"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// ValidateFunc 步骤校验函数
// 对步骤自身的表单数据做纯校验，不做任何I/O，输入非法是返回值而不是error
type ValidateFunc func(data map[string]any) models.ValidationResult

// DraftRuleFunc 跨步骤校验函数
// 个别步骤（如最终确认）需要检查草稿整体状态，规则仍归步骤定义所有
type DraftRuleFunc func(draft *models.Draft) []models.FieldError

// StepDefinition 向导步骤定义
type StepDefinition struct {
	ID        string
	Ordinal   int // 1-based，连续编号
	Title     string
	Fields    []models.FieldSpec
	Validate  ValidateFunc
	DraftRule DraftRuleFunc // 可选
}

// 注册表，init阶段写入，此后只读
var (
	stepsByID   = make(map[string]*StepDefinition)
	orderedList []*StepDefinition
)

// Register 注册一个步骤定义
// 重复的ID或序号属于编程错误，启动即失败
func Register(def *StepDefinition) {
	if def == nil || def.ID == "" || def.Validate == nil {
		panic("steps: 步骤定义不完整")
	}
	if _, exists := stepsByID[def.ID]; exists {
		panic(fmt.Sprintf("steps: 步骤ID重复注册: %s", def.ID))
	}
	for _, existing := range orderedList {
		if existing.Ordinal == def.Ordinal {
			panic(fmt.Sprintf("steps: 步骤序号重复注册: %d", def.Ordinal))
		}
	}

	stepsByID[def.ID] = def
	orderedList = append(orderedList, def)
	sort.Slice(orderedList, func(i, j int) bool {
		return orderedList[i].Ordinal < orderedList[j].Ordinal
	})
}

// Verify 检查注册表是否构成从1开始的连续序列
// 应用启动时调用一次
func Verify() error {
	if len(orderedList) == 0 {
		return fmt.Errorf("steps: 没有注册任何步骤")
	}
	for i, def := range orderedList {
		if def.Ordinal != i+1 {
			return fmt.Errorf("steps: 步骤序号不连续: 期望%d，实际%d (%s)", i+1, def.Ordinal, def.ID)
		}
	}
	return nil
}

// All 按序号返回全部步骤定义
func All() []*StepDefinition {
	result := make([]*StepDefinition, len(orderedList))
	copy(result, orderedList)
	return result
}

// Get 按ID查找步骤定义
func Get(id string) (*StepDefinition, bool) {
	def, ok := stepsByID[id]
	return def, ok
}

// ByOrdinal 按序号查找步骤定义
func ByOrdinal(n int) (*StepDefinition, bool) {
	if n < 1 || n > len(orderedList) {
		return nil, false
	}
	return orderedList[n-1], true
}

// Count 步骤总数
func Count() int {
	return len(orderedList)
}

// Infos 返回全部步骤的对外描述
func Infos() []models.StepInfo {
	infos := make([]models.StepInfo, 0, len(orderedList))
	for _, def := range orderedList {
		infos = append(infos, models.StepInfo{
			ID:      def.ID,
			Ordinal: def.Ordinal,
			Title:   def.Title,
			Fields:  def.Fields,
		})
	}
	return infos
}
