// internal/render/render.go
// 申请书排版：把最终文档画到一张定宽长画布上，再按页高切片。
// 先整体渲染一次、后切片，每页只是同一画布的不同纵向偏移，
// 页数 = ceil(画布高度/页高)。
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Corphon/GrantForgeAI/internal/models"
)

// 默认页面几何（A4 @96dpi）
const (
	DefaultPageWidth  = 794
	DefaultPageHeight = 1123
	DefaultMargin     = 48
)

// Options 排版参数
type Options struct {
	PageWidth  int
	PageHeight int
	Margin     int
	Face       font.Face // 为空时使用内置等宽字体
}

// DefaultOptions 默认排版参数
func DefaultOptions() Options {
	return Options{
		PageWidth:  DefaultPageWidth,
		PageHeight: DefaultPageHeight,
		Margin:     DefaultMargin,
	}
}

func (o Options) face() font.Face {
	if o.Face != nil {
		return o.Face
	}
	return basicfont.Face7x13
}

// 行样式
const (
	styleBody = iota
	styleTitle
	styleHeading
	styleMeta
)

// line 排版后的一行
type line struct {
	text    string
	style   int
	rightTo string // 非空时在行尾右对齐绘制（表格金额列）
}

// Typeset 把最终文档排版到一张画布上
// 宽度固定，高度随内容增长；相同文档永远产出相同的像素
func Typeset(doc *models.FinalDocument, opts Options) (*image.RGBA, error) {
	if doc == nil {
		return nil, fmt.Errorf("文档为空，无法排版")
	}
	if opts.PageWidth <= 0 || opts.Margin < 0 || opts.PageWidth <= opts.Margin*2 {
		return nil, fmt.Errorf("页面几何参数非法: width=%d margin=%d", opts.PageWidth, opts.Margin)
	}

	face := opts.face()
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil() + 4
	contentWidth := opts.PageWidth - opts.Margin*2

	lines := layoutDocument(doc, face, contentWidth)

	// 第一遍：计算总高度
	height := opts.Margin
	for _, ln := range lines {
		height += lineAdvance(ln.style, lineHeight)
	}
	height += opts.Margin

	// 第二遍：绘制
	canvas := image.NewRGBA(image.Rect(0, 0, opts.PageWidth, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	black := image.NewUniform(color.Black)
	y := opts.Margin
	for _, ln := range lines {
		advance := lineAdvance(ln.style, lineHeight)
		baseline := y + advance - 4 - metrics.Descent.Ceil()

		drawer := &font.Drawer{
			Dst:  canvas,
			Src:  black,
			Face: face,
			Dot:  fixed.P(opts.Margin, baseline),
		}

		switch ln.style {
		case styleTitle, styleHeading:
			// 无粗体字形，双重描绘模拟加粗
			drawer.DrawString(ln.text)
			drawer.Dot = fixed.P(opts.Margin+1, baseline)
			drawer.DrawString(ln.text)
		default:
			drawer.DrawString(ln.text)
		}

		if ln.rightTo != "" {
			w := font.MeasureString(face, ln.rightTo).Ceil()
			drawer.Dot = fixed.P(opts.PageWidth-opts.Margin-w, baseline)
			drawer.DrawString(ln.rightTo)
		}

		y += advance
	}

	return canvas, nil
}

// lineAdvance 行高，标题行带额外空白
func lineAdvance(style, lineHeight int) int {
	switch style {
	case styleTitle:
		return lineHeight * 2
	case styleHeading:
		return lineHeight + 10
	case styleMeta:
		return lineHeight + 2
	default:
		return lineHeight
	}
}

// layoutDocument 文档到行序列
func layoutDocument(doc *models.FinalDocument, face font.Face, contentWidth int) []line {
	var lines []line

	lines = append(lines, line{text: doc.Title, style: styleTitle})
	lines = append(lines, line{
		text:  fmt.Sprintf("构建时间: %s", doc.BuiltAt.Format("2006-01-02 15:04")),
		style: styleMeta,
	})
	lines = append(lines, line{text: "", style: styleBody})

	for _, section := range doc.Sections {
		lines = append(lines, line{text: section.Heading, style: styleHeading})

		switch section.Kind {
		case "table":
			for _, row := range section.Rows {
				left := ""
				right := ""
				if len(row) > 0 {
					left = row[0]
				}
				if len(row) > 1 {
					right = row[len(row)-1]
				}
				lines = append(lines, line{text: left, style: styleBody, rightTo: right})
			}
		default:
			for _, paragraph := range strings.Split(section.Body, "\n") {
				if strings.TrimSpace(paragraph) == "" {
					lines = append(lines, line{text: "", style: styleBody})
					continue
				}
				for _, wrapped := range wrapText(paragraph, face, contentWidth) {
					lines = append(lines, line{text: wrapped, style: styleBody})
				}
			}
		}

		if section.Mode != "" {
			lines = append(lines, line{
				text:  fmt.Sprintf("[生成层级: %s]", section.Mode),
				style: styleMeta,
			})
		}
		lines = append(lines, line{text: "", style: styleBody})
	}

	return lines
}

// PageCount 页数 = ceil(画布高度/页高)
func PageCount(canvasHeight, pageHeight int) int {
	if canvasHeight <= 0 || pageHeight <= 0 {
		return 0
	}
	return (canvasHeight + pageHeight - 1) / pageHeight
}

// SlicePages 把长画布切成页图
// 第k页取画布纵向偏移 k*pageHeight 起的一段，末页不足部分留白
func SlicePages(canvas *image.RGBA, pageWidth, pageHeight int) []*image.RGBA {
	if canvas == nil {
		return nil
	}

	total := PageCount(canvas.Bounds().Dy(), pageHeight)
	pages := make([]*image.RGBA, 0, total)

	for k := 0; k < total; k++ {
		page := image.NewRGBA(image.Rect(0, 0, pageWidth, pageHeight))
		draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(page, page.Bounds(), canvas, image.Pt(0, k*pageHeight), draw.Src)
		pages = append(pages, page)
	}

	return pages
}
