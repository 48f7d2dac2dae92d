package overlay

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
)

// ButtonWidget is a labelled, clickable rectangle
type ButtonWidget struct {
	*BaseWidget
	action advisory.Action
	label  *TextWidget
	fill   color.RGBA
}

// NewButtonWidget creates a button for action covering rect
func NewButtonWidget(action advisory.Action, rect image.Rectangle, label string, scale int, fill, text color.RGBA) *ButtonWidget {
	lh := LineHeight(scale)
	top := rect.Min.Y + (rect.Dy()-lh)/2
	return &ButtonWidget{
		BaseWidget: NewBaseWidget("button-"+string(action), rect, 1.0),
		action:     action,
		label:      NewTextWidget("label-"+string(action), image.Pt(rect.Min.X, top), rect.Dx(), label, scale, AlignCenter, text),
		fill:       fill,
	}
}

// Action returns the action the button triggers
func (w *ButtonWidget) Action() advisory.Action {
	return w.action
}

// Contains reports whether p falls on the button
func (w *ButtonWidget) Contains(p image.Point) bool {
	return p.In(w.rect)
}

// Render draws the button face and its label
func (w *ButtonWidget) Render(img *image.RGBA) error {
	DrawRectangle(img, w.rect, w.fill, w.opacity)
	return w.label.Render(img)
}
