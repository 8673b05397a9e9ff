// internal/steps/coerce.go
package steps

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 表单值经JSON解码后类型不定（float64/json.Number/string），
// 校验前统一在这里收敛

// Text 取字符串字段，去首尾空白
func Text(data map[string]any, field string) (string, bool) {
	raw, ok := data[field]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Number 取数值字段
func Number(data map[string]any, field string) (float64, bool) {
	raw, ok := data[field]
	if !ok || raw == nil {
		return 0, false
	}

	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Integer 取整数字段，带小数的数值视为非法
func Integer(data map[string]any, field string) (int, bool) {
	f, ok := Number(data, field)
	if !ok {
		return 0, false
	}
	n := int(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

// Flag 取布尔字段，缺失视为false
func Flag(data map[string]any, field string) bool {
	raw, ok := data[field]
	if !ok || raw == nil {
		return false
	}
	b, ok := raw.(bool)
	return ok && b
}

// Items 取经费明细条目列表
// 接受 []models.BudgetItem 或JSON解码产生的 []any{map[string]any{...}}
func Items(data map[string]any, field string) ([]models.BudgetItem, bool) {
	raw, ok := data[field]
	if !ok || raw == nil {
		return nil, false
	}

	switch v := raw.(type) {
	case []models.BudgetItem:
		return v, true
	case []any:
		items := make([]models.BudgetItem, 0, len(v))
		for _, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, false
			}
			name, _ := Text(m, "name")
			amount, amountOK := Number(m, "amount")
			if !amountOK {
				amount = 0
			}
			items = append(items, models.BudgetItem{Name: name, Amount: amount})
		}
		return items, true
	default:
		return nil, false
	}
}
