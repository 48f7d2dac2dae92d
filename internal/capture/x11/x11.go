// Package x11 captures the X11 root window. It is the fallback for desktops
// without an xdg-desktop-portal ScreenCast implementation.
package x11

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// maxConsecutiveFailures of GetImage are treated as a lost display
const maxConsecutiveFailures = 10

// Provider grants capture as soon as the X server accepts a connection
type Provider struct {
	// Display is the X display to open, $DISPLAY when empty
	Display string
}

// RequestCapturePermission implements capture.PermissionProvider
func (p *Provider) RequestCapturePermission(ctx context.Context, cb capture.GrantCallback) error {
	go func() {
		if ctx.Err() != nil {
			cb.OnPermissionDenied(ctx.Err())
			return
		}
		conn, err := xgb.NewConnDisplay(p.Display)
		if err != nil {
			cb.OnPermissionDenied(fmt.Errorf("%w: failed to connect to X server: %v", capture.ErrPermissionDenied, err))
			return
		}
		display := p.Display
		if display == "" {
			display = os.Getenv("DISPLAY")
		}
		logger.WithComponent("x11-capture").Info().Str("display", display).Msg("X11 capture granted")
		cb.OnGrantReceived(&Grant{conn: conn, display: display, revoke: cb.OnRevoked})
	}()
	return nil
}

// Grant owns the X connection used by the surface
type Grant struct {
	conn    *xgb.Conn
	display string
	revoke  func()

	once     sync.Once
	lostOnce sync.Once
}

// ID implements capture.Grant
func (g *Grant) ID() string { return "x11:" + g.display }

// Release closes the X connection
func (g *Grant) Release() error {
	g.once.Do(func() {
		g.conn.Close()
	})
	return nil
}

// lost reports the display as gone, at most once
func (g *Grant) lost() {
	g.lostOnce.Do(func() {
		if g.revoke != nil {
			g.revoke()
		}
	})
}

// Surface polls the root window into a ring of BGRx buffers
type Surface struct {
	grant    *Grant
	root     xproto.Window
	width    int
	height   int
	stride   int
	ring     *capture.BufferRing
	interval time.Duration

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSurface implements capture.SurfaceFactory for X11 grants
func OpenSurface(grant capture.Grant, depth int) (capture.Surface, error) {
	g, ok := grant.(*Grant)
	if !ok {
		return nil, fmt.Errorf("grant %s is not an X11 grant", grant.ID())
	}
	return Open(g, depth, 100*time.Millisecond)
}

// Open starts polling the default screen's root window every interval
func Open(g *Grant, depth int, interval time.Duration) (*Surface, error) {
	setup := xproto.Setup(g.conn)
	screen := setup.DefaultScreen(g.conn)

	format, err := pixmapFormat(setup.PixmapFormats, screen.RootDepth)
	if err != nil {
		return nil, err
	}
	if format.BitsPerPixel != 32 {
		return nil, fmt.Errorf("unsupported root window format: %d bits per pixel at depth %d", format.BitsPerPixel, screen.RootDepth)
	}

	width := int(screen.WidthInPixels)
	s := &Surface{
		grant:    g,
		root:     screen.Root,
		width:    width,
		height:   int(screen.HeightInPixels),
		stride:   scanlineStride(width, int(format.BitsPerPixel), int(format.ScanlinePad)),
		ring:     capture.NewBufferRing(depth),
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.poll()

	logger.WithComponent("x11-capture").Info().
		Int("width", s.width).
		Int("height", s.height).
		Int("stride", s.stride).
		Msg("X11 root capture started")
	return s, nil
}

// ID implements capture.Surface
func (s *Surface) ID() string { return s.grant.ID() + "/root" }

// AcquireLatest implements capture.Surface
func (s *Surface) AcquireLatest() (capture.Buffer, error) {
	return s.ring.AcquireLatest()
}

// Close stops polling. The connection belongs to the grant.
func (s *Surface) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.ring.Close()
	})
	return nil
}

func (s *Surface) poll() {
	defer close(s.done)
	log := logger.WithComponent("x11-capture")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.grab(); err != nil {
				failures++
				log.Debug().Err(err).Int("failures", failures).Msg("Root window grab failed")
				if failures >= maxConsecutiveFailures {
					log.Error().Err(err).Msg("X display lost, revoking capture")
					go s.grant.lost()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Surface) grab() error {
	reply, err := xproto.GetImage(
		s.grant.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.root),
		0, 0,
		uint16(s.width), uint16(s.height),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}

	s.ring.Push(capture.RawImage{
		Width:       s.width,
		Height:      s.height,
		RowStride:   s.stride,
		PixelStride: 4,
		Format:      capture.FormatBGRX,
		Pix:         reply.Data,
	}, time.Now())
	return nil
}

// pixmapFormat finds the server's image format for depth
func pixmapFormat(formats []xproto.Format, depth byte) (xproto.Format, error) {
	for _, f := range formats {
		if f.Depth == depth {
			return f, nil
		}
	}
	return xproto.Format{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// scanlineStride is the row length in bytes, padded to scanlinePad bits
func scanlineStride(width, bitsPerPixel, scanlinePad int) int {
	unpadded := width * bitsPerPixel / 8
	padBytes := scanlinePad / 8
	if padBytes <= 1 {
		return unpadded
	}
	return ((unpadded + padBytes - 1) / padBytes) * padBytes
}
