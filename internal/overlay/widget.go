// Package overlay lays out and rasterizes the advisory card
package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// Widget is one element of the card
type Widget interface {
	// ID returns the widget's identifier within its card
	ID() string

	// Bounds is the area the widget covers
	Bounds() image.Rectangle

	// Render draws the widget onto img
	Render(img *image.RGBA) error
}

// BaseWidget holds what every widget has: an id, a box and an opacity
type BaseWidget struct {
	id      string
	rect    image.Rectangle
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a base widget covering rect
func NewBaseWidget(id string, rect image.Rectangle, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, rect: rect}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// Bounds returns the widget's box
func (w *BaseWidget) Bounds() image.Rectangle {
	return w.rect
}

// SetOpacity clamps opacity to [0, 1]
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

// BlendImage composites src over dst at (x, y) with the given opacity
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	sb := src.Bounds()
	r := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
	if opacity >= 1.0 {
		draw.Draw(dst, r, src, sb.Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity * 255)})
	draw.DrawMask(dst, r, src, sb.Min, mask, image.Point{}, draw.Over)
}

// DrawRectangle fills rect with c at the given opacity
func DrawRectangle(dst *image.RGBA, rect image.Rectangle, c color.Color, opacity float64) {
	fill := image.NewUniform(c)
	if opacity >= 1.0 {
		draw.Draw(dst, rect, fill, image.Point{}, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity * 255)})
	draw.DrawMask(dst, rect, fill, image.Point{}, mask, image.Point{}, draw.Over)
}

// PanelWidget is a filled rectangle
type PanelWidget struct {
	*BaseWidget
	fill color.RGBA
}

// NewPanelWidget creates a panel
func NewPanelWidget(id string, rect image.Rectangle, fill color.RGBA, opacity float64) *PanelWidget {
	return &PanelWidget{BaseWidget: NewBaseWidget(id, rect, opacity), fill: fill}
}

// Render draws the panel
func (w *PanelWidget) Render(img *image.RGBA) error {
	DrawRectangle(img, w.rect, w.fill, w.opacity)
	return nil
}
