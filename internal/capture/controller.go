package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/google/uuid"
)

var (
	// ErrPermissionDenied is reported when the user or OS refuses the capture grant
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrInvalidState is returned by operations called from a state that does not allow them
	ErrInvalidState = errors.New("invalid capture state")
)

// State is the capture session lifecycle state
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateWarmingUp
	StateReady
	StateCapturing // transient, only while a single AcquireFrame runs
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateWarmingUp:
		return "warming_up"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// warm-up makes the first attempt plus exactly one retry
const maxWarmupAttempts = 2

// GrantCallback receives the asynchronous outcome of a permission request
type GrantCallback interface {
	OnGrantReceived(grant Grant)
	OnPermissionDenied(err error)
	// OnRevoked signals that the platform invalidated a delivered grant
	OnRevoked()
}

// PermissionProvider acquires capture grants out of band. Exactly one of
// OnGrantReceived or OnPermissionDenied follows a nil return, from any
// goroutine. A non-nil return means no callback will follow.
type PermissionProvider interface {
	RequestCapturePermission(ctx context.Context, cb GrantCallback) error
}

// EventKind identifies a controller report
type EventKind int

const (
	EventPermissionDenied EventKind = iota
	EventCaptureStarted
	EventCaptureStopped
)

func (k EventKind) String() string {
	switch k {
	case EventPermissionDenied:
		return "permission_denied"
	case EventCaptureStarted:
		return "capture_started"
	case EventCaptureStopped:
		return "capture_stopped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is reported to Options.OnEvent outside the controller lock
type Event struct {
	Kind     EventKind
	OK       bool // CaptureStarted only
	Degraded bool // CaptureStarted: warm-up never produced a frame
	Revoked  bool // CaptureStopped: the platform revoked the grant
	Err      error
}

// Options configures a Controller
type Options struct {
	Provider     PermissionProvider
	Surfaces     SurfaceFactory
	Scheduler    Scheduler
	BufferDepth  int
	SettleDelay  time.Duration
	RetryDelay   time.Duration
	StrictWarmup bool // report a frameless warm-up as CaptureStarted(ok=false)
	OnEvent      func(Event)
}

// Session is the state owned by a live capture session
type Session struct {
	ID               string
	SurfaceID        string
	FrameBufferDepth int
	StartedAt        time.Time
	LastFrameAt      time.Time

	source         FrameSource
	warmup         *task
	degraded       bool
	framesCaptured uint64
	framesMissed   uint64
}

// Status is a point-in-time view of the controller
type Status struct {
	State          string     `json:"state"`
	SessionID      string     `json:"session_id,omitempty"`
	SurfaceID      string     `json:"surface_id,omitempty"`
	BufferDepth    int        `json:"buffer_depth,omitempty"`
	Degraded       bool       `json:"degraded"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastFrameAt    *time.Time `json:"last_frame_at,omitempty"`
	FramesCaptured uint64     `json:"frames_captured"`
	FramesMissed   uint64     `json:"frames_missed"`
}

// Controller drives permission acquisition, surface warm-up and frame
// extraction for one capture session at a time. All transitions happen
// under a single mutex.
type Controller struct {
	opts Options

	mu            sync.Mutex
	state         State
	session       *Session
	gen           uint64 // bumped per Begin, stale callbacks are dropped
	openingGen    uint64 // request whose surface is being opened, 0 when none
	cancelRequest context.CancelFunc
}

// NewController creates a controller in StateIdle
func NewController(opts Options) *Controller {
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler
	}
	if opts.BufferDepth < 1 {
		opts.BufferDepth = 3
	}
	return &Controller{opts: opts, state: StateIdle}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller and its session
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state.String()}
	if s := c.session; s != nil {
		st.SessionID = s.ID
		st.SurfaceID = s.SurfaceID
		st.BufferDepth = s.FrameBufferDepth
		st.Degraded = s.degraded
		st.FramesCaptured = s.framesCaptured
		st.FramesMissed = s.framesMissed
		started := s.StartedAt
		st.StartedAt = &started
		if !s.LastFrameAt.IsZero() {
			last := s.LastFrameAt
			st.LastFrameAt = &last
		}
	}
	return st
}

// Begin requests a capture grant. Valid from StateIdle, or StateStopped to
// start a fresh session.
func (c *Controller) Begin(ctx context.Context) error {
	log := logger.WithComponent("capture-session")

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateStopped {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: begin called while %s", ErrInvalidState, st)
	}
	c.gen++
	gen := c.gen
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancelRequest = cancel
	c.state = StateAwaitingPermission
	c.mu.Unlock()

	log.Info().Uint64("request", gen).Msg("Requesting capture permission")

	if err := c.opts.Provider.RequestCapturePermission(reqCtx, &grantRequest{c: c, gen: gen}); err != nil {
		c.denied(gen, err)
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return nil
}

// OnGrantReceived applies a grant to the current request. Valid only from
// StateAwaitingPermission; otherwise the grant is released and ignored.
func (c *Controller) OnGrantReceived(grant Grant) {
	c.grantReceived(c.currentGen(), grant)
}

// OnPermissionDenied returns the current request to StateIdle
func (c *Controller) OnPermissionDenied(err error) {
	c.denied(c.currentGen(), err)
}

// OnRevoked forces the current session to StateStopped
func (c *Controller) OnRevoked() {
	c.revoked(c.currentGen())
}

// AcquireFrame returns the latest frame. It returns false immediately in
// every state but StateReady and when the surface has nothing new.
func (c *Controller) AcquireFrame() (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || c.session == nil {
		return nil, false
	}

	sess := c.session
	c.state = StateCapturing
	frame, ok := sess.source.Acquire()
	c.state = StateReady

	if !ok {
		sess.framesMissed++
		return nil, false
	}
	sess.framesCaptured++
	sess.LastFrameAt = frame.CapturedAt
	return frame, true
}

// Stop releases the session, its surface and grant. Valid from any state and idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess, changed := c.stopLocked()
	c.mu.Unlock()

	c.finishStop(sess, changed, false)
}

func (c *Controller) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Controller) stopLocked() (*Session, bool) {
	if c.state == StateStopped {
		return nil, false
	}
	sess := c.session
	c.session = nil
	c.state = StateStopped
	if c.cancelRequest != nil {
		c.cancelRequest()
		c.cancelRequest = nil
	}
	if sess != nil {
		sess.warmup.Cancel()
		sess.warmup = nil
	}
	return sess, true
}

func (c *Controller) finishStop(sess *Session, changed, revoked bool) {
	if !changed {
		return
	}
	if sess != nil {
		sess.source.Release()
	}
	logger.WithComponent("capture-session").Info().
		Bool("revoked", revoked).
		Msg("Capture session stopped")
	c.emit(Event{Kind: EventCaptureStopped, Revoked: revoked})
}

func (c *Controller) denied(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateAwaitingPermission {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	if c.cancelRequest != nil {
		c.cancelRequest()
		c.cancelRequest = nil
	}
	c.mu.Unlock()

	if err == nil {
		err = ErrPermissionDenied
	} else if !errors.Is(err, ErrPermissionDenied) {
		err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	logger.WithComponent("capture-session").Warn().Err(err).Msg("Capture permission denied")
	c.emit(Event{Kind: EventPermissionDenied, Err: err})
}

func (c *Controller) revoked(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	sess, changed := c.stopLocked()
	c.mu.Unlock()

	c.finishStop(sess, changed, true)
}

func (c *Controller) grantReceived(gen uint64, grant Grant) {
	log := logger.WithComponent("capture-session")

	c.mu.Lock()
	accept := gen == c.gen && c.state == StateAwaitingPermission && c.openingGen != gen
	if accept {
		c.openingGen = gen
	}
	st := c.state
	c.mu.Unlock()

	if !accept {
		log.Warn().Str("state", st.String()).Str("grant", grant.ID()).Msg("Ignoring grant outside awaiting_permission")
		releaseGrant(grant)
		return
	}

	// Opening may talk to the display server, so it runs unlocked
	surface, err := c.opts.Surfaces.OpenSurface(grant, c.opts.BufferDepth)

	c.mu.Lock()
	if c.openingGen == gen {
		c.openingGen = 0
	}
	if gen != c.gen || c.state != StateAwaitingPermission {
		c.mu.Unlock()
		if err == nil {
			NewFrameSource(surface, grant).Release()
		} else {
			releaseGrant(grant)
		}
		return
	}
	if err != nil {
		c.state = StateIdle
		if c.cancelRequest != nil {
			c.cancelRequest()
			c.cancelRequest = nil
		}
		c.mu.Unlock()

		releaseGrant(grant)
		log.Error().Err(err).Msg("Failed to open capture surface")
		c.emit(Event{Kind: EventCaptureStarted, OK: false, Err: err})
		return
	}

	sess := &Session{
		ID:               uuid.NewString(),
		SurfaceID:        surface.ID(),
		FrameBufferDepth: c.opts.BufferDepth,
		StartedAt:        time.Now(),
		source:           NewFrameSource(surface, grant),
	}
	c.session = sess
	c.state = StateWarmingUp
	sess.warmup = c.scheduleWarmupLocked(sess, c.opts.SettleDelay, 1)
	c.mu.Unlock()

	log.Info().
		Str("session", sess.ID).
		Str("surface", sess.SurfaceID).
		Dur("settle_delay", c.opts.SettleDelay).
		Msg("Capture surface opened, warming up")
}

func (c *Controller) scheduleWarmupLocked(sess *Session, d time.Duration, attempt int) *task {
	t := &task{}
	t.timer = c.opts.Scheduler.AfterFunc(d, func() {
		c.warmupAttempt(sess, t, attempt)
	})
	return t
}

func (c *Controller) warmupAttempt(sess *Session, t *task, attempt int) {
	log := logger.WithComponent("capture-session")

	c.mu.Lock()
	if t.Cancelled() || c.session != sess || c.state != StateWarmingUp {
		c.mu.Unlock()
		log.Debug().Int("attempt", attempt).Msg("Warm-up fired after session ended, ignoring")
		return
	}

	frame, ok := sess.source.Acquire()
	if ok {
		sess.framesCaptured++
		sess.LastFrameAt = frame.CapturedAt
	}

	if !ok && attempt < maxWarmupAttempts {
		sess.warmup = c.scheduleWarmupLocked(sess, c.opts.RetryDelay, attempt+1)
		c.mu.Unlock()
		log.Warn().
			Int("attempt", attempt).
			Dur("retry_delay", c.opts.RetryDelay).
			Msg("Warm-up returned no frame, retrying")
		return
	}

	sess.warmup = nil
	sess.degraded = !ok
	c.state = StateReady
	ev := Event{
		Kind:     EventCaptureStarted,
		OK:       ok || !c.opts.StrictWarmup,
		Degraded: !ok,
	}
	c.mu.Unlock()

	if ok {
		log.Info().Int("attempt", attempt).Int("bytes", len(frame.Data)).Msg("Warm-up succeeded, capture ready")
	} else {
		log.Warn().Int("attempt", attempt).Msg("Warm-up produced no frame, capture ready anyway")
	}
	c.emit(ev)
}

func (c *Controller) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func releaseGrant(g Grant) {
	if g == nil {
		return
	}
	if err := g.Release(); err != nil {
		logger.WithComponent("capture-session").Error().
			Err(&TeardownError{Resource: "grant", Err: err}).
			Str("grant", g.ID()).
			Msg("Resource teardown failure")
	}
}

// grantRequest binds provider callbacks to the Begin call that issued them
type grantRequest struct {
	c   *Controller
	gen uint64
}

func (r *grantRequest) OnGrantReceived(grant Grant)  { r.c.grantReceived(r.gen, grant) }
func (r *grantRequest) OnPermissionDenied(err error) { r.c.denied(r.gen, err) }
func (r *grantRequest) OnRevoked()                   { r.c.revoked(r.gen) }
