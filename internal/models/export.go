// internal/models/export.go
package models

import (
	"time"
)

// 导出格式
const (
	ExportFormatPDF      = "pdf"
	ExportFormatHTML     = "html"
	ExportFormatMarkdown = "markdown"
	ExportFormatJSON     = "json"
	ExportFormatText     = "txt"
)

// ExportResult 导出结果
type ExportResult struct {
	DraftID     string    `json:"draft_id"`
	Title       string    `json:"title"`
	Format      string    `json:"format"`
	Content     string    `json:"content,omitempty"` // 文本类格式直接携带内容
	FilePath    string    `json:"file_path"`         // 导出文件路径
	FileSize    int64     `json:"file_size"`         // 文件大小
	PageCount   int       `json:"page_count,omitempty"`
	Fallback    bool      `json:"fallback"` // 主渲染管线失败后降级为HTML
	GeneratedAt time.Time `json:"generated_at"`
}

// GenerationOutcome 单个章节的生成结果
type GenerationOutcome struct {
	Section     string    `json:"section"`
	Mode        string    `json:"mode"`
	TextLength  int       `json:"text_length"`
	Err         string    `json:"error,omitempty"` // primary/retry层级失败原因，降级后仍有产出
	CompletedAt time.Time `json:"completed_at"`
}
