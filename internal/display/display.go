// Package display puts advisory cards on an X11 screen
package display

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// Display opens one full-screen, input-grabbing window per advisory
type Display struct {
	name string
}

// New returns a Display for the X display name ("" uses $DISPLAY)
func New(name string) *Display {
	return &Display{name: name}
}

func (d *Display) connect() (*xgb.Conn, error) {
	conn, err := xgb.NewConnDisplay(d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	return conn, nil
}

// OverlayPermitted reports whether the X server accepts our connection
func (d *Display) OverlayPermitted() bool {
	conn, err := d.connect()
	if err != nil {
		logger.WithComponent("display").Debug().Err(err).Msg("Overlay not permitted")
		return false
	}
	conn.Close()
	return true
}

// ShowNeutralScreen asks the window manager to show the desktop
func (d *Display) ShowNeutralScreen() error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	atom, err := internAtom(conn, "_NET_SHOWING_DESKTOP")
	if err != nil {
		return err
	}

	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: root,
		Type:   atom,
		Data:   xproto.ClientMessageDataUnionData32New([]uint32{1, 0, 0, 0, 0}),
	}
	mask := uint32(xproto.EventMaskSubstructureRedirect | xproto.EventMaskSubstructureNotify)
	if err := xproto.SendEventChecked(conn, false, root, mask, string(ev.Bytes())).Check(); err != nil {
		return fmt.Errorf("failed to request desktop: %w", err)
	}
	logger.WithComponent("display").Debug().Msg("Requested neutral screen")
	return nil
}

// Present opens the advisory window for session. Button presses on it
// are routed to handle.
func (d *Display) Present(session advisory.Session, handle *advisory.Handle) (advisory.Surface, error) {
	conn, err := d.connect()
	if err != nil {
		return nil, err
	}
	w, err := openWindow(conn, session, handle)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func internAtom(conn *xgb.Conn, name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern %s: %w", name, err)
	}
	return reply.Atom, nil
}
