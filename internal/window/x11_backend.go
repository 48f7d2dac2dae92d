package window

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// X11Backend reads the EWMH active window over a dedicated X connection
type X11Backend struct {
	conn         *xgb.Conn
	root         xproto.Window
	pollInterval time.Duration

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

// NewX11Backend connects to the default display
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	return &X11Backend{
		conn:         conn,
		root:         setup.DefaultScreen(conn).Root,
		pollInterval: 500 * time.Millisecond,
		atoms:        make(map[string]xproto.Atom),
	}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.conn.Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// FocusedWindow returns the window named by _NET_ACTIVE_WINDOW, falling
// back to the input focus for window managers without EWMH
func (b *X11Backend) FocusedWindow() (*Info, error) {
	win, err := b.activeWindow()
	if err != nil || win == 0 {
		focus, ferr := xproto.GetInputFocus(b.conn).Reply()
		if ferr != nil {
			return nil, fmt.Errorf("failed to get input focus: %w", ferr)
		}
		win = focus.Focus
	}

	// None and PointerRoot mean nothing is focused
	if win == xproto.WindowNone || win == 1 || win == b.root {
		return nil, nil
	}
	return b.windowInfo(win), nil
}

// WatchFocus polls the active window and reports changes
func (b *X11Backend) WatchFocus(ctx context.Context, callback func(*Info)) error {
	log := logger.WithComponent("x11-backend")
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var current *Info
	check := func() {
		info, err := b.FocusedWindow()
		if err != nil {
			log.Debug().Err(err).Msg("Failed to get focused window")
			return
		}
		if !sameWindow(current, info) {
			current = info
			callback(info)
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		}
	}
}

func sameWindow(a, b *Info) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Title == b.Title && a.Class == b.Class
}

func (b *X11Backend) activeWindow() (xproto.Window, error) {
	atom, err := b.getAtom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return 0, err
	}
	reply, err := xproto.GetProperty(b.conn, false, b.root, atom, xproto.AtomWindow, 0, 1).Reply()
	if err != nil {
		return 0, err
	}
	if len(reply.Value) < 4 {
		return 0, fmt.Errorf("_NET_ACTIVE_WINDOW not set")
	}
	return xproto.Window(le32(reply.Value)), nil
}

// windowInfo collects title, WM_CLASS and pid. Missing properties are left empty.
func (b *X11Backend) windowInfo(win xproto.Window) *Info {
	info := &Info{ID: uint32(win)}

	if atom, err := b.getAtom("_NET_WM_NAME"); err == nil {
		if title, err := b.getProperty(win, atom); err == nil {
			info.Title = title
		}
	}
	if info.Title == "" {
		if title, err := b.getProperty(win, xproto.AtomWmName); err == nil {
			info.Title = title
		}
	}

	if raw, err := b.getProperty(win, xproto.AtomWmClass); err == nil {
		info.Instance, info.Class = parseWMClass(raw)
	}

	if atom, err := b.getAtom("_NET_WM_PID"); err == nil {
		reply, err := xproto.GetProperty(b.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
		if err == nil && len(reply.Value) >= 4 {
			info.PID = int(le32(reply.Value))
		}
	}

	return info
}

// parseWMClass splits "instance\0class\0"
func parseWMClass(raw string) (instance, class string) {
	parts := strings.Split(strings.TrimRight(raw, "\x00"), "\x00")
	if len(parts) >= 1 {
		instance = parts[0]
	}
	if len(parts) >= 2 && parts[1] != "" {
		class = parts[1]
	} else {
		class = instance
	}
	return instance, class
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// getAtom interns name once per connection
func (b *X11Backend) getAtom(name string) (xproto.Atom, error) {
	b.mu.Lock()
	if a, ok := b.atoms[name]; ok {
		b.mu.Unlock()
		return a, nil
	}
	b.mu.Unlock()

	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.atoms[name] = reply.Atom
	b.mu.Unlock()
	return reply.Atom, nil
}

// getProperty gets a property value as a string
func (b *X11Backend) getProperty(win xproto.Window, atom xproto.Atom) (string, error) {
	reply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property")
	}
	return string(reply.Value), nil
}
