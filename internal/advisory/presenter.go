package advisory

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/google/uuid"
)

// ErrNotPermitted is returned by Show when the overlay cannot be drawn
var ErrNotPermitted = errors.New("overlay not permitted")

// Surface is a live advisory window
type Surface interface {
	Close() error
}

// Renderer creates advisory windows. The window reports button presses on
// the handle, from any goroutine.
type Renderer interface {
	Present(session Session, handle *Handle) (Surface, error)
}

// PermissionChecker reports whether overlays can currently be drawn
type PermissionChecker interface {
	OverlayPermitted() bool
}

// Navigator moves the user away from the offending application
type Navigator interface {
	ShowNeutralScreen() error
}

// Publisher carries decisions to whoever is listening
type Publisher interface {
	Publish(d Decision)
}

// Options configures a Presenter
type Options struct {
	Renderer      Renderer
	Permission    PermissionChecker
	Navigator     Navigator // optional
	Publisher     Publisher
	GraceDelay    time.Duration
	NeutralScreen bool

	// AfterFunc schedules the grace-delayed termination, time.AfterFunc by default
	AfterFunc func(d time.Duration, f func())

	// OnTerminate ends the presenter's hosting lifecycle after a decision
	OnTerminate func(d Decision)
}

// Presenter shows at most one advisory at a time. Showing a new advisory
// retires the current one without a decision.
type Presenter struct {
	opts Options

	mu      sync.Mutex
	current *shown
}

type shown struct {
	session   Session
	surface   Surface
	decided   atomic.Bool
	closeOnce sync.Once
}

func (s *shown) closeSurface() {
	s.closeOnce.Do(func() {
		if s.surface == nil {
			return
		}
		if err := s.surface.Close(); err != nil {
			logger.WithComponent("advisory").Error().Err(err).Str("session", s.session.ID).Msg("Resource teardown failure")
		}
	})
}

// Handle is given to the renderer for one advisory. Each advisory yields at
// most one decision no matter how often its buttons are pressed.
type Handle struct {
	p *Presenter
	s *shown
}

// Session returns the advisory the handle belongs to
func (h *Handle) Session() Session {
	return h.s.session
}

// Dismiss records a Dismissed decision. Ignored unless the advisory allows dismissal.
func (h *Handle) Dismiss() {
	if !h.s.session.AllowDismiss {
		logger.WithComponent("advisory").Warn().
			Str("session", h.s.session.ID).
			Str("severity", h.s.session.Severity.String()).
			Msg("Dismiss not offered for this severity, ignoring")
		return
	}
	h.p.decide(h.s, DecisionDismissed)
}

// RequestClose records a CloseRequested decision for the advisory's subject
func (h *Handle) RequestClose() {
	h.p.decide(h.s, DecisionCloseRequested)
}

// NewPresenter creates a presenter with nothing shown
func NewPresenter(opts Options) *Presenter {
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return &Presenter{opts: opts}
}

// Permitted reports whether Show can currently draw an advisory
func (p *Presenter) Permitted() bool {
	return p.opts.Permission == nil || p.opts.Permission.OverlayPermitted()
}

// Show retires any current advisory and presents a new one
func (p *Presenter) Show(severity Severity, subjectName string) (Session, error) {
	log := logger.WithComponent("advisory")

	if !p.Permitted() {
		log.Error().Str("severity", severity.String()).Msg("Overlay permission not granted, advisory not shown")
		return Session{}, ErrNotPermitted
	}

	subjectName = strings.TrimSpace(subjectName)
	if subjectName == "" {
		subjectName = UnknownSubject
	}

	session := Session{
		ID:           uuid.NewString(),
		Severity:     severity,
		SubjectName:  subjectName,
		AllowDismiss: severity == SeverityLow,
		ShownAt:      time.Now(),
	}
	s := &shown{session: session}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old := p.current; old != nil {
		p.current = nil
		old.decided.Store(true)
		old.closeSurface()
		log.Info().Str("session", old.session.ID).Msg("Retired previous advisory")
	}

	surface, err := p.opts.Renderer.Present(session, &Handle{p: p, s: s})
	if err != nil {
		return Session{}, fmt.Errorf("failed to present advisory: %w", err)
	}
	s.surface = surface
	p.current = s

	log.Info().
		Str("session", session.ID).
		Str("severity", severity.String()).
		Str("app", subjectName).
		Bool("allow_dismiss", session.AllowDismiss).
		Msg("Advisory shown")

	return session, nil
}

// Hide removes the current advisory without producing a decision
func (p *Presenter) Hide() bool {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()

	if s == nil {
		return false
	}
	s.decided.Store(true)
	s.closeSurface()
	logger.WithComponent("advisory").Info().Str("session", s.session.ID).Msg("Advisory hidden")
	return true
}

// Current returns the advisory being shown, if any
func (p *Presenter) Current() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Session{}, false
	}
	return p.current.session, true
}

func (p *Presenter) decide(s *shown, kind DecisionKind) {
	if !s.decided.CompareAndSwap(false, true) {
		return
	}
	log := logger.WithComponent("advisory")

	d := Decision{
		Kind:      kind,
		SessionID: s.session.ID,
		DecidedAt: time.Now(),
	}
	if kind == DecisionCloseRequested {
		d.SubjectName = s.session.SubjectName
	}

	if p.opts.Publisher != nil {
		p.opts.Publisher.Publish(d)
	}
	log.Info().Str("session", d.SessionID).Str("decision", kind.String()).Str("app", d.SubjectName).Msg("Decision published")

	p.mu.Lock()
	if p.current == s {
		p.current = nil
	}
	p.mu.Unlock()
	s.closeSurface()

	if kind == DecisionCloseRequested && p.opts.NeutralScreen && p.opts.Navigator != nil {
		if err := p.opts.Navigator.ShowNeutralScreen(); err != nil {
			log.Warn().Err(err).Msg("Failed to navigate to neutral screen")
		}
	}

	p.opts.AfterFunc(p.opts.GraceDelay, func() {
		log.Debug().Str("session", d.SessionID).Msg("Grace delay elapsed, terminating advisory host")
		if p.opts.OnTerminate != nil {
			p.opts.OnTerminate(d)
		}
	})
}
