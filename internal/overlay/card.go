package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
)

var (
	backdropColor = color.RGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xff}
	cardColor     = color.RGBA{R: 0x2b, G: 0x2b, B: 0x2b, A: 0xff}
	textColor     = color.RGBA{R: 0xf5, G: 0xf5, B: 0xf5, A: 0xff}
	dimTextColor  = color.RGBA{R: 0xbd, G: 0xbd, B: 0xbd, A: 0xff}
	dismissColor  = color.RGBA{R: 0x61, G: 0x61, B: 0x61, A: 0xff}
	closeColor    = color.RGBA{R: 0xd3, G: 0x2f, B: 0x2f, A: 0xff}
	darkTextColor = color.RGBA{R: 0x21, G: 0x21, B: 0x21, A: 0xff}
)

// maxCardColumns caps the card width in characters
const maxCardColumns = 64

var buttonLabels = map[advisory.Action]string{
	advisory.ActionDismiss:  "Dismiss",
	advisory.ActionCloseApp: "Close App",
}

// Card is the laid-out advisory for one session at one screen size
type Card struct {
	session advisory.Session
	size    image.Point
	scale   int
	panel   image.Rectangle
	widgets []Widget
	buttons []*ButtonWidget
}

// NewCard lays out session on a width x height screen
func NewCard(session advisory.Session, width, height int) (*Card, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid card size %dx%d", width, height)
	}
	c := &Card{
		session: session,
		size:    image.Pt(width, height),
		scale:   cardScale(width, height),
	}
	c.layout()
	return c, nil
}

func cardScale(width, height int) int {
	s := width / 640
	if hs := height / 480; hs < s {
		s = hs
	}
	if s < 1 {
		s = 1
	}
	if s > 4 {
		s = 4
	}
	return s
}

func (c *Card) layout() {
	unit := glyphWidth * c.scale
	pad := 2 * unit

	cardW := maxCardColumns*unit + 2*pad
	if limit := c.size.X - 2*unit; cardW > limit {
		cardW = limit
	}
	left := (c.size.X - cardW) / 2
	inner := image.Rectangle{Min: image.Pt(left+pad, 0), Max: image.Pt(left+cardW-pad, 0)}

	// Laid out from y=0 and shifted once the total height is known
	var body []Widget
	y := 0

	badgeText := darkTextColor
	if c.session.Severity == advisory.SeverityHigh {
		badgeText = textColor
	}
	title := NewTextWidget("title", image.Pt(inner.Min.X, y+pad/2), inner.Dx(), c.session.Severity.Title(), c.scale+1, AlignCenter, badgeText)
	badge := NewPanelWidget("badge", image.Rect(left, y, left+cardW, title.Bounds().Max.Y+pad/2), c.session.Severity.BadgeColor(), 1.0)
	body = append(body, badge, title)
	y = badge.Bounds().Max.Y + pad

	subject := NewTextWidget("subject", image.Pt(inner.Min.X, y), inner.Dx(), "Application: "+c.session.SubjectName, c.scale, AlignCenter, dimTextColor)
	body = append(body, subject)
	y = subject.Bounds().Max.Y + pad/2

	for i, para := range c.session.Severity.Description(c.session.SubjectName) {
		w := NewTextWidget(fmt.Sprintf("description-%d", i), image.Pt(inner.Min.X, y), inner.Dx(), para, c.scale, AlignCenter, textColor)
		body = append(body, w)
		y = w.Bounds().Max.Y + pad/2
	}
	y += pad / 2

	actions := c.session.Actions()
	gap := unit
	btnH := LineHeight(c.scale) + pad
	btnW := (inner.Dx() - gap*(len(actions)-1)) / len(actions)
	for i, action := range actions {
		x := inner.Min.X + i*(btnW+gap)
		fill, text := closeColor, textColor
		if action == advisory.ActionDismiss {
			fill = dismissColor
		}
		b := NewButtonWidget(action, image.Rect(x, y, x+btnW, y+btnH), buttonLabels[action], c.scale, fill, text)
		c.buttons = append(c.buttons, b)
		body = append(body, b)
	}
	y += btnH + pad

	top := (c.size.Y - y) / 2
	if top < 0 {
		top = 0
	}
	c.panel = image.Rect(left, top, left+cardW, top+y)
	c.widgets = append(c.widgets,
		NewPanelWidget("backdrop", image.Rect(0, 0, c.size.X, c.size.Y), backdropColor, 1.0),
		NewPanelWidget("card", c.panel, cardColor, 1.0),
	)
	for _, w := range body {
		shift(w, top)
		c.widgets = append(c.widgets, w)
	}
}

func shift(w Widget, dy int) {
	switch v := w.(type) {
	case *PanelWidget:
		v.rect = v.rect.Add(image.Pt(0, dy))
	case *TextWidget:
		v.rect = v.rect.Add(image.Pt(0, dy))
	case *ButtonWidget:
		v.rect = v.rect.Add(image.Pt(0, dy))
		v.label.rect = v.label.rect.Add(image.Pt(0, dy))
	}
}

// Session returns the session the card was laid out for
func (c *Card) Session() advisory.Session {
	return c.session
}

// Panel is the card's box on screen
func (c *Card) Panel() image.Rectangle {
	return c.panel
}

// Buttons returns the card's buttons in display order
func (c *Card) Buttons() []*ButtonWidget {
	return c.buttons
}

// HitTest returns the action under (x, y), if any
func (c *Card) HitTest(x, y int) (advisory.Action, bool) {
	p := image.Pt(x, y)
	for _, b := range c.buttons {
		if b.Contains(p) {
			return b.action, true
		}
	}
	return "", false
}

// Render rasterizes the card at full screen size
func (c *Card) Render() (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, c.size.X, c.size.Y))
	for _, w := range c.widgets {
		if err := w.Render(img); err != nil {
			return nil, fmt.Errorf("render %s: %w", w.ID(), err)
		}
	}
	return img, nil
}
