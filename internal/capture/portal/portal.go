package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// Response codes of org.freedesktop.portal.Request.Response
const (
	responseSuccess   = 0
	responseCancelled = 1
)

// ErrCancelled means the user closed the share dialog
var ErrCancelled = errors.New("screen share cancelled by user")

// ResponseError is a non-success portal response
type ResponseError struct {
	Method string
	Code   uint32
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s denied (code %d)", e.Method, e.Code)
}

// Is lets errors.Is match ErrCancelled and capture.ErrPermissionDenied
func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Code == responseCancelled
	case capture.ErrPermissionDenied:
		return true
	}
	return false
}

// Portal negotiates xdg-desktop-portal ScreenCast sessions and hands the
// resulting grants to the capture controller
type Portal struct {
	conn    *dbus.Conn
	tokens  *TokenStore
	timeout time.Duration
	seq     atomic.Uint64
}

// New connects to the session bus
func New(tokens *TokenStore, timeout time.Duration) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Portal{conn: conn, tokens: tokens, timeout: timeout}, nil
}

// Close closes the bus connection
func (p *Portal) Close() error {
	return p.conn.Close()
}

// RequestCapturePermission implements capture.PermissionProvider. The portal
// dialog may stay open for a long time, so negotiation runs in the
// background and reports through cb.
func (p *Portal) RequestCapturePermission(ctx context.Context, cb capture.GrantCallback) error {
	if p.conn == nil || !p.conn.Connected() {
		return fmt.Errorf("session bus not connected")
	}
	go p.negotiate(ctx, cb)
	return nil
}

func (p *Portal) negotiate(ctx context.Context, cb capture.GrantCallback) {
	log := logger.WithComponent("portal")

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	grant, err := p.startScreenShare(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Screen share negotiation failed")
		cb.OnPermissionDenied(err)
		return
	}

	grant.watch(cb)
	cb.OnGrantReceived(grant)
}

// startScreenShare runs CreateSession, SelectSources and Start
func (p *Portal) startScreenShare(ctx context.Context) (*Grant, error) {
	log := logger.WithComponent("portal")
	n := p.seq.Add(1)

	results, err := p.request(ctx, "CreateSession", n, func(opts map[string]dbus.Variant) []interface{} {
		opts["session_handle_token"] = dbus.MakeVariant(fmt.Sprintf("screenguard_session%d_%d", os.Getpid(), n))
		return []interface{}{opts}
	})
	if err != nil {
		return nil, err
	}
	session, err := sessionHandle(results)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	// From here on the session must be closed on failure
	fail := func(err error) (*Grant, error) {
		p.closeSession(session)
		return nil, err
	}

	restore := p.tokens.Load()
	_, err = p.request(ctx, "SelectSources", n, func(opts map[string]dbus.Variant) []interface{} {
		opts["types"] = dbus.MakeVariant(uint32(SourceTypeMonitor))
		opts["multiple"] = dbus.MakeVariant(false)
		opts["cursor_mode"] = dbus.MakeVariant(uint32(CursorModeEmbedded))
		opts["persist_mode"] = dbus.MakeVariant(uint32(PersistModeSession))
		if restore != "" {
			opts["restore_token"] = dbus.MakeVariant(restore)
		}
		return []interface{}{session, opts}
	})
	if err != nil {
		return fail(err)
	}
	log.Debug().Bool("restored", restore != "").Msg("Selected sources")

	results, err = p.request(ctx, "Start", n, func(opts map[string]dbus.Variant) []interface{} {
		return []interface{}{session, "", opts}
	})
	if err != nil {
		return fail(err)
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			if err := p.tokens.Save(token); err != nil {
				log.Warn().Err(err).Msg("Failed to save restore token")
			} else {
				log.Debug().Msg("Saved restore token for future sessions")
			}
		}
	}

	v, ok := results["streams"]
	if !ok {
		return fail(fmt.Errorf("no streams in Start response"))
	}
	streams, err := ParseStreams(v.Value())
	if err != nil {
		return fail(err)
	}
	if len(streams) == 0 {
		return fail(fmt.Errorf("portal returned no streams"))
	}

	log.Info().
		Uint32("node_id", streams[0].NodeID).
		Int("width", streams[0].Width).
		Int("height", streams[0].Height).
		Msg("Screen sharing started")

	return &Grant{portal: p, session: session, stream: streams[0], done: make(chan struct{})}, nil
}

// request calls a ScreenCast method and waits for the matching Response
// signal on the returned request object
func (p *Portal) request(ctx context.Context, method string, n uint64, args func(map[string]dbus.Variant) []interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	opts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(fmt.Sprintf("screenguard_%s%d_%d", method, os.Getpid(), n)),
	}

	// Subscribe before calling so the response cannot be missed
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	defer p.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	obj := p.conn.Object(portalService, portalPath)
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, args(opts)...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().Str("request_path", string(requestPath)).Msgf("Waiting for %s response (portal dialog may appear)", method)

	for {
		select {
		case <-ctx.Done():
			// Dismiss the dialog if it is still open
			p.conn.Object(portalService, requestPath).Call(requestIface+".Close", 0)
			return nil, fmt.Errorf("waiting for %s response: %w", method, ctx.Err())
		case sig := <-signals:
			if sig == nil || sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("invalid %s response", method)
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			if code != responseSuccess {
				return nil, &ResponseError{Method: method, Code: code}
			}
			return results, nil
		}
	}
}

func (p *Portal) closeSession(session dbus.ObjectPath) error {
	return p.conn.Object(portalService, session).Call(sessionIface+".Close", 0).Err
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	// Some portal versions send a string instead of an object path
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// Grant is a started ScreenCast session and the PipeWire stream it exposes
type Grant struct {
	portal  *Portal
	session dbus.ObjectPath
	stream  Stream

	done     chan struct{}
	once     sync.Once
	released atomic.Bool
}

// ID returns the portal session handle
func (g *Grant) ID() string { return string(g.session) }

// NodeID returns the PipeWire node carrying the screen
func (g *Grant) NodeID() uint32 { return g.stream.NodeID }

// Size returns the stream size announced by the portal, zero if unknown
func (g *Grant) Size() (int, int) { return g.stream.Width, g.stream.Height }

// Release closes the portal session. Safe to call more than once.
func (g *Grant) Release() error {
	var err error
	g.once.Do(func() {
		g.released.Store(true)
		close(g.done)
		if cerr := g.portal.closeSession(g.session); cerr != nil {
			err = fmt.Errorf("failed to close portal session: %w", cerr)
		}
	})
	return err
}

// watch reports Session.Closed for this session as a revocation
func (g *Grant) watch(cb capture.GrantCallback) {
	log := logger.WithComponent("portal")
	conn := g.portal.conn

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(g.session),
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember("Closed"),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		log.Warn().Err(err).Msg("Failed to watch portal session, revocation will go unnoticed")
		return
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)

	go func() {
		defer conn.RemoveSignal(signals)
		defer conn.RemoveMatchSignal(match...)

		for {
			select {
			case <-g.done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Path != g.session || sig.Name != sessionIface+".Closed" {
					continue
				}
				if g.released.Load() {
					return
				}
				log.Warn().Str("session", string(g.session)).Msg("Portal session closed by the compositor")
				cb.OnRevoked()
				return
			}
		}
	}()
}
