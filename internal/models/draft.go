// internal/models/draft.go
package models

import (
	"time"
)

// 草稿状态
const (
	DraftStatusDrafting = "drafting"
	DraftStatusBuilt    = "built"
)

// 生成内容的产出层级
const (
	GenerationModePrimary          = "primary"
	GenerationModeDegradedRetry    = "degraded-retry"
	GenerationModeFallbackTemplate = "fallback-template"
)

// Draft 申请草稿
// 一份补助金申请书的全部工作状态：当前步骤、各步骤表单数据、
// AI生成的叙述章节以及构建完成后的最终文档
type Draft struct {
	ID                string                      `json:"id"`
	Title             string                      `json:"title"`
	CurrentStepIndex  int                         `json:"current_step_index"` // 1-based
	StepData          map[string]map[string]any   `json:"step_data"`          // stepID -> 字段 -> 值
	GeneratedSections map[string]GeneratedContent `json:"generated_sections"` // sectionID -> 生成内容
	FinalDocument     *FinalDocument              `json:"final_document,omitempty"`
	Status            string                      `json:"status"`
	CreatedAt         time.Time                   `json:"created_at"`
	LastSavedAt       time.Time                   `json:"last_saved_at"`
	Dirty             bool                        `json:"-"` // 仅内存状态，不落盘
}

// GeneratedContent AI生成的章节内容
type GeneratedContent struct {
	Text        string    `json:"text"`
	Mode        string    `json:"mode"` // primary | degraded-retry | fallback-template
	GeneratedAt time.Time `json:"generated_at"`
}

// FinalDocument 构建完成的申请书
// 仅当所有步骤校验通过时由构建操作生成
type FinalDocument struct {
	Title    string            `json:"title"`
	BuiltAt  time.Time         `json:"built_at"`
	Sections []DocumentSection `json:"sections"`
}

// DocumentSection 申请书中的一个章节
type DocumentSection struct {
	ID      string     `json:"id"`
	Heading string     `json:"heading"`
	Kind    string     `json:"kind"` // profile | narrative | table
	Body    string     `json:"body,omitempty"`
	Mode    string     `json:"mode,omitempty"` // narrative章节的产出层级
	Rows    [][]string `json:"rows,omitempty"` // table章节的行数据
}

// BudgetItem 经费明细条目
type BudgetItem struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// DraftSummary 草稿列表条目
type DraftSummary struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`
	CreatedAt        time.Time `json:"created_at"`
	LastSavedAt      time.Time `json:"last_saved_at"`
}

// NewDraft 创建一份位于第一步的空草稿
func NewDraft(id, title string, now time.Time) *Draft {
	return &Draft{
		ID:                id,
		Title:             title,
		CurrentStepIndex:  1,
		StepData:          make(map[string]map[string]any),
		GeneratedSections: make(map[string]GeneratedContent),
		Status:            DraftStatusDrafting,
		CreatedAt:         now,
		LastSavedAt:       now,
	}
}

// IsBuilt 草稿是否已构建完成
func (d *Draft) IsBuilt() bool {
	return d.Status == DraftStatusBuilt
}

// StepValues 返回指定步骤的表单数据，不存在时创建空map
func (d *Draft) StepValues(stepID string) map[string]any {
	if d.StepData == nil {
		d.StepData = make(map[string]map[string]any)
	}
	values, ok := d.StepData[stepID]
	if !ok {
		values = make(map[string]any)
		d.StepData[stepID] = values
	}
	return values
}

// Summary 生成列表条目
func (d *Draft) Summary() DraftSummary {
	return DraftSummary{
		ID:               d.ID,
		Title:            d.Title,
		Status:           d.Status,
		CurrentStepIndex: d.CurrentStepIndex,
		CreatedAt:        d.CreatedAt,
		LastSavedAt:      d.LastSavedAt,
	}
}

// Clone 深拷贝草稿
// 自动保存在锁外执行持久化时使用快照，避免与后续编辑互相干扰
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}

	clone := *d

	clone.StepData = make(map[string]map[string]any, len(d.StepData))
	for stepID, values := range d.StepData {
		copied := make(map[string]any, len(values))
		for k, v := range values {
			copied[k] = v
		}
		clone.StepData[stepID] = copied
	}

	clone.GeneratedSections = make(map[string]GeneratedContent, len(d.GeneratedSections))
	for sectionID, content := range d.GeneratedSections {
		clone.GeneratedSections[sectionID] = content
	}

	if d.FinalDocument != nil {
		doc := *d.FinalDocument
		doc.Sections = make([]DocumentSection, len(d.FinalDocument.Sections))
		copy(doc.Sections, d.FinalDocument.Sections)
		for i, section := range doc.Sections {
			if section.Rows != nil {
				rows := make([][]string, len(section.Rows))
				for j, row := range section.Rows {
					rowCopy := make([]string, len(row))
					copy(rowCopy, row)
					rows[j] = rowCopy
				}
				doc.Sections[i].Rows = rows
			}
		}
		clone.FinalDocument = &doc
	}

	return &clone
}
