// internal/render/wrap.go
package render

import (
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// wrapText 按像素宽度折行
// 中日文没有词间空格，按字符累积宽度折行；超宽的单字符独占一行
func wrapText(text string, face font.Face, maxWidth int) []string {
	if text == "" {
		return []string{""}
	}

	limit := fixed.I(maxWidth)
	var lines []string
	var current []rune
	var width fixed.Int26_6

	for _, r := range text {
		advance, ok := face.GlyphAdvance(r)
		if !ok {
			advance, _ = face.GlyphAdvance('�')
		}
		if len(current) > 0 && width+advance > limit {
			lines = append(lines, string(current))
			current = current[:0]
			width = 0
		}
		current = append(current, r)
		width += advance
	}
	if len(current) > 0 {
		lines = append(lines, string(current))
	}

	return lines
}
