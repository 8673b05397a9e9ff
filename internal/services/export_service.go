// internal/services/export_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"image/jpeg"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	apperrors "github.com/Corphon/GrantForgeAI/internal/errors"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/render"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// ExportTimeout 单次导出的总时限
var ExportTimeout = 20 * time.Second

// jpegQuality 页面位图嵌入PDF前的压缩质量
const jpegQuality = 90

// ExportService 将已构建的申请书导出为文件
//
// PDF走排版管线：整篇文档排成一张长画布，再按页高切片嵌入，
// 管线任何一步失败都降级为自包含HTML，导出操作本身绝不失败。
type ExportService struct {
	drafts     *DraftService
	exportsDir string
	renderOpts render.Options
	cache      *ExportCache
	sink       EventSink
	clock      Clock
	metrics    *utils.APIMetrics
}

// NewExportService 创建导出服务
func NewExportService(drafts *DraftService, exportsDir string, sink EventSink) *ExportService {
	if exportsDir == "" {
		exportsDir = "exports"
	}
	if sink == nil {
		sink = NopEventSink{}
	}

	return &ExportService{
		drafts:     drafts,
		exportsDir: exportsDir,
		renderOpts: render.DefaultOptions(),
		cache:      NewExportCache(0, 0),
		sink:       sink,
		clock:      NewRealClock(),
		metrics:    utils.NewAPIMetrics(),
	}
}

// SetRenderOptions 替换排版参数
// 注入带CJK字形的字体后，PDF页面可渲染完整中文
func (s *ExportService) SetRenderOptions(opts render.Options) {
	s.renderOpts = opts
}

// SupportedFormats 返回全部支持的导出格式
func (s *ExportService) SupportedFormats() []string {
	return []string{
		models.ExportFormatPDF,
		models.ExportFormatHTML,
		models.ExportFormatMarkdown,
		models.ExportFormatJSON,
		models.ExportFormatText,
	}
}

// Export 导出一份已构建的申请书
func (s *ExportService) Export(ctx context.Context, draftID string, format string) (*models.ExportResult, error) {
	// 1. 验证输入参数
	if draftID == "" {
		return nil, apperrors.NewValidationError("草稿ID不能为空", nil)
	}

	format = strings.ToLower(strings.TrimSpace(format))
	if !s.formatSupported(format) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("不支持的导出格式: %s，支持的格式: %v", format, s.SupportedFormats()), nil)
	}

	// 2. 读取构建完成的文档快照
	var (
		doc       *models.FinalDocument
		createdAt time.Time
	)
	err := s.drafts.Locks().ExecuteWithDraftReadLock(draftID, func() error {
		draft, err := s.drafts.Get(ctx, draftID)
		if err != nil {
			return err
		}
		if !draft.IsBuilt() || draft.FinalDocument == nil {
			return apperrors.NewConflictError("申请书尚未构建，无法导出", nil)
		}
		doc = draft.Clone().FinalDocument
		createdAt = draft.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 3. 导出前把待保存内容落盘
	// 落盘失败不阻断导出，文档快照已在内存中，自动保存会继续重试
	if err := s.drafts.FlushNow(ctx, draftID); err != nil {
		log.Printf("⚠️ 草稿 %s 导出前落盘失败: %v", draftID, err)
	}

	// 4. 同一构建版本的重复导出直接复用产物
	key := s.cache.Key(draftID, format, doc.BuiltAt)
	if cached, ok := s.cache.Get(key); ok {
		return &cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ExportTimeout)
	defer cancel()

	start := s.clock.Now()
	result := &models.ExportResult{
		DraftID:     draftID,
		Title:       doc.Title,
		Format:      format,
		GeneratedAt: start,
	}

	// 5. 按格式生成内容
	var content []byte
	switch format {
	case models.ExportFormatPDF:
		pdfBytes, pageCount, renderErr := s.renderPDF(ctx, doc)
		if renderErr == nil {
			content = pdfBytes
			result.PageCount = pageCount
			break
		}
		// 渲染失败或超时一律降级为自包含HTML，导出不以失败收场
		log.Printf("⚠️ 草稿 %s PDF渲染失败，降级为HTML导出: %v", draftID, renderErr)
		result.Format = models.ExportFormatHTML
		result.Fallback = true
		content = []byte(s.buildHTML(doc))
	case models.ExportFormatHTML:
		content = []byte(s.buildHTML(doc))
	case models.ExportFormatMarkdown:
		content = []byte(s.buildMarkdown(doc))
	case models.ExportFormatJSON:
		text, err := s.buildJSON(doc)
		if err != nil {
			return nil, apperrors.NewExportRenderError("序列化申请书失败", err)
		}
		content = []byte(text)
	case models.ExportFormatText:
		content = []byte(s.buildText(doc))
	}

	if result.Format != models.ExportFormatPDF {
		result.Content = string(content)
	}

	// 6. 写入导出目录
	filePath, fileSize, err := s.saveExportFile(result, content, createdAt)
	if err != nil {
		return nil, apperrors.NewExportRenderError("保存导出文件失败", err)
	}
	result.FilePath = filePath
	result.FileSize = fileSize

	// 7. 记录产物并广播
	s.cache.Put(key, *result)
	s.metrics.RecordExport(result.Format, result.Fallback, s.clock.Now().Sub(start))
	s.sink.Publish(models.NewDraftEvent(models.EventExportCompleted, draftID, map[string]any{
		"format":     result.Format,
		"fallback":   result.Fallback,
		"file_path":  result.FilePath,
		"file_size":  result.FileSize,
		"page_count": result.PageCount,
	}))

	return result, nil
}

// InvalidateDraft 草稿删除或重新打开后清除其导出缓存
func (s *ExportService) InvalidateDraft(draftID string) {
	s.cache.InvalidateDraft(draftID)
}

func (s *ExportService) formatSupported(format string) bool {
	for _, f := range s.SupportedFormats() {
		if f == format {
			return true
		}
	}
	return false
}

// renderPDF 整篇排版后按页切片嵌入PDF
// 页数 = ceil(画布高 / 页高)，第k页取画布纵向偏移 k*页高 处的切片
func (s *ExportService) renderPDF(ctx context.Context, doc *models.FinalDocument) ([]byte, int, error) {
	canvas, err := render.Typeset(doc, s.renderOpts)
	if err != nil {
		return nil, 0, err
	}

	opts := s.renderOpts
	if opts.PageWidth <= 0 || opts.PageHeight <= 0 {
		opts = render.DefaultOptions()
	}

	pages := render.SlicePages(canvas, opts.PageWidth, opts.PageHeight)
	if len(pages) == 0 {
		return nil, 0, fmt.Errorf("排版结果为空")
	}

	// 96dpi像素到PDF点的换算，默认页面尺寸正好落在A4上
	ptW := float64(opts.PageWidth) * 72.0 / 96.0
	ptH := float64(opts.PageHeight) * 72.0 / 96.0

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: ptW, Ht: ptH},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	imgOpts := gofpdf.ImageOptions{ImageType: "JPG"}
	for i, page := range pages {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, page, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, 0, fmt.Errorf("编码第 %d 页失败: %w", i+1, err)
		}

		name := fmt.Sprintf("page_%d", i+1)
		pdf.RegisterImageOptionsReader(name, imgOpts, &buf)
		pdf.AddPage()
		pdf.ImageOptions(name, 0, 0, ptW, ptH, false, imgOpts, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, 0, fmt.Errorf("生成PDF失败: %w", err)
	}

	return out.Bytes(), len(pages), nil
}

// saveExportFile 写入导出目录并返回路径与大小
// 文件名由标题和草稿创建日期确定，同一草稿重复导出覆盖同名文件
func (s *ExportService) saveExportFile(result *models.ExportResult, content []byte, createdAt time.Time) (string, int64, error) {
	if err := os.MkdirAll(s.exportsDir, 0755); err != nil {
		return "", 0, fmt.Errorf("创建导出目录失败: %w", err)
	}

	fileName := fmt.Sprintf("%s_%s.%s",
		sanitizeFileName(result.Title), createdAt.Format("20060102"), formatExtension(result.Format))

	filePath := filepath.Join(s.exportsDir, fileName)

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return "", 0, fmt.Errorf("写入导出文件失败: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("获取文件信息失败: %w", err)
	}

	return filePath, fileInfo.Size(), nil
}

// sanitizeFileName 清理文件名中的路径分隔符和特殊字符
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "申请书"
	}

	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_",
		"|", "_", " ", "_",
	)
	name = replacer.Replace(name)

	// 过长的标题截断到合理长度
	runes := []rune(name)
	if len(runes) > 60 {
		name = string(runes[:60])
	}
	return name
}

func formatExtension(format string) string {
	if format == models.ExportFormatMarkdown {
		return "md"
	}
	return format
}

// buildHTML 生成自包含HTML文档
// 样式全部内联，单文件可直接打开或打印，也是PDF失败时的降级产物
func (s *ExportService) buildHTML(doc *models.FinalDocument) string {
	var content strings.Builder

	content.WriteString(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>`)
	content.WriteString(html.EscapeString(doc.Title))
	content.WriteString(`</title>
    <style>
        body {
            font-family: 'Microsoft YaHei', Arial, sans-serif;
            margin: 20px;
            line-height: 1.6;
            color: #333;
            background-color: #f5f5f5;
        }
        .container {
            max-width: 900px;
            margin: 0 auto;
            background: white;
            padding: 30px;
            border-radius: 10px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        .header {
            text-align: center;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
            padding: 30px;
            margin: -30px -30px 30px -30px;
            border-radius: 10px 10px 0 0;
        }
        .header h1 { margin: 0; font-size: 2em; }
        .header .built-at { margin-top: 10px; opacity: 0.85; font-size: 0.9em; }
        .section { margin-bottom: 30px; }
        .section h2 {
            color: #2c3e50;
            border-bottom: 2px solid #3498db;
            padding-bottom: 10px;
        }
        .section p { margin: 10px 0; white-space: pre-wrap; }
        .mode-badge {
            display: inline-block;
            font-size: 0.8em;
            color: #6c757d;
            background: #f8f9fa;
            border: 1px solid #dee2e6;
            border-radius: 4px;
            padding: 2px 8px;
            margin-top: 8px;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            margin: 15px 0;
        }
        th, td {
            border: 1px solid #dee2e6;
            padding: 10px 15px;
            text-align: left;
        }
        td.amount { text-align: right; font-variant-numeric: tabular-nums; }
        th { background: #f8f9fa; color: #2c3e50; }
        tr.total { font-weight: bold; background: #e8f4fd; }
        @media print {
            body { background: white; margin: 0; }
            .container { box-shadow: none; border-radius: 0; }
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>`)
	content.WriteString(html.EscapeString(doc.Title))
	content.WriteString(`</h1>
            <div class="built-at">构建时间: `)
	content.WriteString(doc.BuiltAt.Format("2006-01-02 15:04"))
	content.WriteString(`</div>
        </div>
`)

	for _, section := range doc.Sections {
		content.WriteString(`        <div class="section">
            <h2>`)
		content.WriteString(html.EscapeString(section.Heading))
		content.WriteString("</h2>\n")

		if section.Kind == "table" && len(section.Rows) > 0 {
			content.WriteString(`            <table>
                <tr><th>项目</th><th>金额</th></tr>
`)
			for i, row := range section.Rows {
				if len(row) < 2 {
					continue
				}
				rowClass := ""
				if i == len(section.Rows)-1 {
					rowClass = ` class="total"`
				}
				content.WriteString(fmt.Sprintf("                <tr%s><td>%s</td><td class=\"amount\">%s</td></tr>\n",
					rowClass, html.EscapeString(row[0]), html.EscapeString(row[1])))
			}
			content.WriteString("            </table>\n")
		} else {
			for _, paragraph := range strings.Split(section.Body, "\n\n") {
				if strings.TrimSpace(paragraph) == "" {
					continue
				}
				content.WriteString("            <p>")
				content.WriteString(html.EscapeString(paragraph))
				content.WriteString("</p>\n")
			}
		}

		if section.Mode != "" {
			content.WriteString(`            <span class="mode-badge">生成层级: `)
			content.WriteString(html.EscapeString(section.Mode))
			content.WriteString("</span>\n")
		}

		content.WriteString("        </div>\n")
	}

	content.WriteString(`    </div>
</body>
</html>`)

	return content.String()
}

// buildMarkdown 生成Markdown文档
func (s *ExportService) buildMarkdown(doc *models.FinalDocument) string {
	var content strings.Builder

	content.WriteString("# " + doc.Title + "\n\n")
	content.WriteString("> 构建时间: " + doc.BuiltAt.Format("2006-01-02 15:04") + "\n\n")

	for _, section := range doc.Sections {
		content.WriteString("## " + section.Heading + "\n\n")

		if section.Kind == "table" && len(section.Rows) > 0 {
			content.WriteString("| 项目 | 金额 |\n")
			content.WriteString("| --- | ---: |\n")
			for _, row := range section.Rows {
				if len(row) < 2 {
					continue
				}
				content.WriteString(fmt.Sprintf("| %s | %s |\n", row[0], row[1]))
			}
			content.WriteString("\n")
		} else if section.Body != "" {
			content.WriteString(section.Body + "\n\n")
		}

		if section.Mode != "" {
			content.WriteString("*生成层级: " + section.Mode + "*\n\n")
		}
	}

	return content.String()
}

// buildJSON 生成JSON文档
func (s *ExportService) buildJSON(doc *models.FinalDocument) (string, error) {
	exportData := map[string]any{
		"title":         doc.Title,
		"built_at":      doc.BuiltAt,
		"exported_at":   s.clock.Now(),
		"section_count": len(doc.Sections),
		"sections":      doc.Sections,
	}

	jsonData, err := json.MarshalIndent(exportData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化JSON失败: %w", err)
	}
	return string(jsonData), nil
}

// buildText 生成纯文本文档
func (s *ExportService) buildText(doc *models.FinalDocument) string {
	var content strings.Builder

	content.WriteString(doc.Title + "\n")
	content.WriteString(strings.Repeat("=", 50) + "\n\n")
	content.WriteString("构建时间: " + doc.BuiltAt.Format("2006-01-02 15:04") + "\n\n")

	for _, section := range doc.Sections {
		content.WriteString(section.Heading + "\n")
		content.WriteString(strings.Repeat("-", 50) + "\n")

		if section.Kind == "table" && len(section.Rows) > 0 {
			for _, row := range section.Rows {
				if len(row) < 2 {
					continue
				}
				content.WriteString(fmt.Sprintf("  %s  %s\n", row[0], row[1]))
			}
		} else if section.Body != "" {
			content.WriteString(section.Body + "\n")
		}

		if section.Mode != "" {
			content.WriteString(fmt.Sprintf("\n[生成层级: %s]\n", section.Mode))
		}
		content.WriteString("\n")
	}

	return content.String()
}
