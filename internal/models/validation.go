// internal/models/validation.go
package models

// FieldError 单个字段的校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult 一次步骤校验的结果
// 校验失败是正常返回值而不是error，调用方据此决定是否放行
type ValidationResult struct {
	OK     bool         `json:"ok"`
	Errors []FieldError `json:"errors,omitempty"`
}

// ValidResult 通过的校验结果
func ValidResult() ValidationResult {
	return ValidationResult{OK: true}
}

// InvalidResult 带错误列表的校验结果
func InvalidResult(errors ...FieldError) ValidationResult {
	return ValidationResult{OK: false, Errors: errors}
}

// AddError 追加一个字段错误并将结果置为失败
func (r *ValidationResult) AddError(field, message string) {
	r.OK = false
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

// StepValidation 某一步骤的校验结果快照
type StepValidation struct {
	StepID  string           `json:"step_id"`
	Ordinal int              `json:"ordinal"`
	Result  ValidationResult `json:"result"`
}

// StepInfo 步骤定义的对外描述（不含校验函数）
type StepInfo struct {
	ID      string      `json:"id"`
	Ordinal int         `json:"ordinal"`
	Title   string      `json:"title"`
	Fields  []FieldSpec `json:"fields"`
}

// FieldSpec 步骤表单字段说明
type FieldSpec struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Kind     string `json:"kind"` // text | number | bool | items
	Required bool   `json:"required"`
}

// WizardState 向导状态快照
// 进度与最远可达步骤均为按需重新计算的派生值
type WizardState struct {
	Draft                 *Draft           `json:"draft"`
	Steps                 []StepInfo       `json:"steps"`
	Validations           []StepValidation `json:"validations"`
	Progress              float64          `json:"progress"` // 0-100
	FurthestValidatedStep int              `json:"furthest_validated_step"`
}

// ProgressReport 进度查询的轻量返回，不携带完整草稿数据
type ProgressReport struct {
	DraftID               string           `json:"draft_id"`
	CurrentStepIndex      int              `json:"current_step_index"`
	FurthestValidatedStep int              `json:"furthest_validated_step"`
	Progress              float64          `json:"progress"`
	Status                string           `json:"status"`
	Steps                 []StepValidation `json:"steps"`
}
