package overlay

import (
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	glyphWidth  = 7  // basicfont.Face7x13 advance
	glyphHeight = 13 // basicfont.Face7x13 line height
)

// Align is the horizontal placement of text inside its box
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
)

// TextWidget draws one or more lines of basicfont text, scaled up by an
// integer factor and word-wrapped to its box
type TextWidget struct {
	*BaseWidget
	lines     []string
	scale     int
	align     Align
	textColor color.RGBA
}

// NewTextWidget creates a text widget whose top-left corner is at and
// which wraps to width. Its height follows from the wrapped line count.
func NewTextWidget(id string, at image.Point, width int, text string, scale int, align Align, c color.RGBA) *TextWidget {
	if scale < 1 {
		scale = 1
	}
	rect := image.Rectangle{Min: at, Max: image.Pt(at.X+width, at.Y)}
	w := &TextWidget{
		BaseWidget: NewBaseWidget(id, rect, 1.0),
		scale:      scale,
		align:      align,
		textColor:  c,
	}
	w.lines = WrapText(text, rect.Dx()/(glyphWidth*scale))
	w.rect.Max.Y = w.rect.Min.Y + w.Height()
	return w
}

// Lines returns the wrapped lines
func (w *TextWidget) Lines() []string {
	return w.lines
}

// Height is the pixel height of the wrapped text
func (w *TextWidget) Height() int {
	return LineHeight(w.scale) * len(w.lines)
}

// LineHeight is the pixel height of one line at scale
func LineHeight(scale int) int {
	return (glyphHeight + 3) * scale
}

// TextWidth is the unscaled pixel width of s
func TextWidth(s string) int {
	d := &font.Drawer{Face: basicfont.Face7x13}
	return d.MeasureString(s).Ceil()
}

// Render draws the text
func (w *TextWidget) Render(img *image.RGBA) error {
	y := w.rect.Min.Y
	for _, line := range w.lines {
		if line != "" {
			w.renderLine(img, line, y)
		}
		y += LineHeight(w.scale)
	}
	return nil
}

func (w *TextWidget) renderLine(img *image.RGBA, line string, y int) {
	width := TextWidth(line)
	small := image.NewRGBA(image.Rect(0, 0, width, glyphHeight+3))
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(w.textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(0, basicfont.Face7x13.Ascent),
	}
	d.DrawString(line)

	x := w.rect.Min.X
	if w.align == AlignCenter {
		x += (w.rect.Dx() - width*w.scale) / 2
	}

	if w.scale == 1 {
		BlendImage(img, small, x, y, w.opacity)
		return
	}
	big := image.NewRGBA(image.Rect(0, 0, width*w.scale, small.Bounds().Dy()*w.scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), draw.Src, nil)
	BlendImage(img, big, x, y, w.opacity)
}

// WrapText breaks text into lines of at most maxChars runes, splitting on
// spaces. Words longer than a line are hard-split. Explicit newlines are kept.
func WrapText(text string, maxChars int) []string {
	if maxChars < 1 {
		maxChars = 1
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		var cur []rune
		for _, word := range strings.Fields(para) {
			wr := []rune(word)
			for len(wr) > maxChars {
				if len(cur) > 0 {
					lines = append(lines, string(cur))
					cur = nil
				}
				lines = append(lines, string(wr[:maxChars]))
				wr = wr[maxChars:]
			}
			switch {
			case len(cur) == 0:
				cur = wr
			case len(cur)+1+len(wr) <= maxChars:
				cur = append(append(cur, ' '), wr...)
			default:
				lines = append(lines, string(cur))
				cur = wr
			}
		}
		lines = append(lines, string(cur))
	}
	return lines
}
