package display

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/bryanchriswhite/ScreenGuard/internal/overlay"
	"github.com/bryanchriswhite/ScreenGuard/internal/window"
	"github.com/rs/zerolog"
)

const windowTitle = "ScreenGuard - Advisory"

// advisoryWindow is one advisory on screen. It owns its X connection.
type advisoryWindow struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	win    xproto.Window
	gc     xproto.Gcontext
	card   *overlay.Card
	format zpixmap
	data   []byte
	handle *advisory.Handle
	log    zerolog.Logger

	closeOnce sync.Once
}

func openWindow(conn *xgb.Conn, session advisory.Session, handle *advisory.Handle) (*advisoryWindow, error) {
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	width, height := int(screen.WidthInPixels), int(screen.HeightInPixels)

	format, err := formatFor(setup, screen.RootDepth)
	if err != nil {
		return nil, err
	}
	card, err := overlay.NewCard(session, width, height)
	if err != nil {
		return nil, err
	}
	img, err := card.Render()
	if err != nil {
		return nil, err
	}
	data, err := format.encode(img)
	if err != nil {
		return nil, err
	}

	w := &advisoryWindow{
		conn:   conn,
		screen: screen,
		card:   card,
		format: format,
		data:   data,
		handle: handle,
		log:    logger.WithComponent("display").With().Str("session", session.ID).Logger(),
	}

	if w.win, err = xproto.NewWindowId(conn); err != nil {
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	// Override-redirect keeps the window manager from decorating or moving it
	mask := uint32(xproto.CwBackPixel | xproto.CwOverrideRedirect | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		1,
		xproto.EventMaskExposure | xproto.EventMaskButtonPress | xproto.EventMaskKeyPress,
	}
	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		w.win,
		screen.Root,
		0, 0,
		uint16(width), uint16(height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	if err := w.setProperties(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to set window properties")
	}

	if w.gc, err = xproto.NewGcontextId(conn); err != nil {
		return nil, fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, w.gc, xproto.Drawable(w.win), 0, nil).Check(); err != nil {
		return nil, fmt.Errorf("failed to create GC: %w", err)
	}

	if err := xproto.MapWindowChecked(conn, w.win).Check(); err != nil {
		return nil, fmt.Errorf("failed to map window: %w", err)
	}
	xproto.ConfigureWindow(conn, w.win, xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove})
	w.grabInput()

	go w.eventLoop()

	w.log.Info().
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(w.win)).
		Msg("Advisory window shown")
	return w, nil
}

// setProperties names the window and marks it fullscreen and above
func (w *advisoryWindow) setProperties() error {
	utf8, err := internAtom(w.conn, "UTF8_STRING")
	if err != nil {
		return err
	}
	name, err := internAtom(w.conn, "_NET_WM_NAME")
	if err != nil {
		return err
	}
	if err := xproto.ChangePropertyChecked(w.conn, xproto.PropModeReplace, w.win, name, utf8,
		8, uint32(len(windowTitle)), []byte(windowTitle)).Check(); err != nil {
		return err
	}

	// Focus trackers skip windows of this class
	class := "screenguard\x00" + window.OwnClass + "\x00"
	if err := xproto.ChangePropertyChecked(w.conn, xproto.PropModeReplace, w.win, xproto.AtomWmClass, xproto.AtomString,
		8, uint32(len(class)), []byte(class)).Check(); err != nil {
		return err
	}

	state, err := internAtom(w.conn, "_NET_WM_STATE")
	if err != nil {
		return err
	}
	above, err := internAtom(w.conn, "_NET_WM_STATE_ABOVE")
	if err != nil {
		return err
	}
	fullscreen, err := internAtom(w.conn, "_NET_WM_STATE_FULLSCREEN")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(w.conn, xproto.PropModeReplace, w.win, state, xproto.AtomAtom,
		32, 2, atomBytes(above, fullscreen)).Check()
}

// grabInput keeps keyboard and pointer on the advisory until it closes.
// Another client holding a grab is not fatal; the window is still on top.
func (w *advisoryWindow) grabInput() {
	kb, err := xproto.GrabKeyboard(w.conn, true, w.win, xproto.TimeCurrentTime,
		xproto.GrabModeAsync, xproto.GrabModeAsync).Reply()
	if err != nil || kb.Status != xproto.GrabStatusSuccess {
		w.log.Warn().Err(err).Msg("Keyboard grab failed")
	}

	ptr, err := xproto.GrabPointer(w.conn, true, w.win, xproto.EventMaskButtonPress,
		xproto.GrabModeAsync, xproto.GrabModeAsync, w.win, xproto.CursorNone, xproto.TimeCurrentTime).Reply()
	if err != nil || ptr.Status != xproto.GrabStatusSuccess {
		w.log.Warn().Err(err).Msg("Pointer grab failed")
	}
}

func (w *advisoryWindow) eventLoop() {
	for {
		ev, err := w.conn.WaitForEvent()
		if ev == nil && err == nil {
			// Connection closed
			return
		}
		if err != nil {
			w.log.Debug().Err(err).Msg("X error")
			continue
		}

		switch e := ev.(type) {
		case xproto.ExposeEvent:
			if e.Count == 0 {
				if err := w.draw(); err != nil {
					w.log.Error().Err(err).Msg("Failed to draw advisory")
				}
			}
		case xproto.ButtonPressEvent:
			if e.Detail != xproto.ButtonIndex1 {
				continue
			}
			action, ok := w.card.HitTest(int(e.EventX), int(e.EventY))
			if !ok {
				continue
			}
			w.log.Debug().Str("action", string(action)).Msg("Advisory button pressed")
			switch action {
			case advisory.ActionDismiss:
				w.handle.Dismiss()
			case advisory.ActionCloseApp:
				w.handle.RequestClose()
			}
		}
	}
}

func (w *advisoryWindow) draw() error {
	return putImage(w.conn, xproto.Drawable(w.win), w.gc, w.format, w.screen.WidthInPixels, w.screen.HeightInPixels, w.data)
}

// Close ungrabs input and destroys the window
func (w *advisoryWindow) Close() error {
	w.closeOnce.Do(func() {
		xproto.UngrabPointer(w.conn, xproto.TimeCurrentTime)
		xproto.UngrabKeyboard(w.conn, xproto.TimeCurrentTime)
		xproto.FreeGC(w.conn, w.gc)
		xproto.DestroyWindow(w.conn, w.win)
		w.conn.Sync()
		w.conn.Close()
		w.log.Info().Msg("Advisory window closed")
	})
	return nil
}

func atomBytes(atoms ...xproto.Atom) []byte {
	b := make([]byte, 0, 4*len(atoms))
	for _, a := range atoms {
		v := uint32(a)
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return b
}
