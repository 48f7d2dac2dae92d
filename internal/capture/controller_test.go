package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// manualScheduler runs scheduled callbacks only when the test says so
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	s.pending = append(s.pending, t)
	return t
}

// fire runs the oldest pending callback even when it was stopped, to model
// a timer that had already started firing when it was cancelled
func (s *manualScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatal("no scheduled callback to fire")
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	next.f()
	return next.d
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type fakeGrant struct {
	id       string
	releases int
	mu       sync.Mutex
}

func (g *fakeGrant) ID() string { return g.id }

func (g *fakeGrant) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	return nil
}

func (g *fakeGrant) released() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases
}

// fakeSurface serves frames out of a real BufferRing
type fakeSurface struct {
	ring   *BufferRing
	mu     sync.Mutex
	closes int
}

func (s *fakeSurface) AcquireLatest() (Buffer, error) { return s.ring.AcquireLatest() }
func (s *fakeSurface) ID() string                     { return "fake-surface" }

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.ring.Close()
	return nil
}

func (s *fakeSurface) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSurface) render() {
	s.ring.Push(paddedImage(4, 2, 16, FormatBGRX), time.Now())
}

// fakeProvider captures the callback so tests can deliver grants by hand
type fakeProvider struct {
	mu       sync.Mutex
	cb       GrantCallback
	ctx      context.Context
	requests int
	err      error
}

func (p *fakeProvider) RequestCapturePermission(ctx context.Context, cb GrantCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.err != nil {
		return p.err
	}
	p.cb = cb
	p.ctx = ctx
	return nil
}

func (p *fakeProvider) callback() GrantCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb
}

type harness struct {
	ctrl     *Controller
	sched    *manualScheduler
	provider *fakeProvider
	surface  *fakeSurface
	events   []Event
	mu       sync.Mutex
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	h := &harness{
		sched:    &manualScheduler{},
		provider: &fakeProvider{},
		surface:  &fakeSurface{ring: NewBufferRing(3)},
	}
	h.ctrl = NewController(Options{
		Provider:     h.provider,
		Surfaces:     SurfaceFactoryFunc(func(Grant, int) (Surface, error) { return h.surface, nil }),
		Scheduler:    h.sched,
		BufferDepth:  3,
		SettleDelay:  1200 * time.Millisecond,
		RetryDelay:   500 * time.Millisecond,
		StrictWarmup: strict,
		OnEvent: func(ev Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		},
	})
	return h
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// startWarmup drives Begin and delivers a grant
func (h *harness) startWarmup(t *testing.T) *fakeGrant {
	t.Helper()
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := h.ctrl.State(); got != StateAwaitingPermission {
		t.Fatalf("state after Begin = %s, want awaiting_permission", got)
	}
	grant := &fakeGrant{id: "grant-1"}
	h.provider.callback().OnGrantReceived(grant)
	if got := h.ctrl.State(); got != StateWarmingUp {
		t.Fatalf("state after grant = %s, want warming_up", got)
	}
	return grant
}

func TestControllerHappyPath(t *testing.T) {
	h := newHarness(t, false)
	h.startWarmup(t)
	h.surface.render()

	if d := h.sched.fire(t); d != 1200*time.Millisecond {
		t.Errorf("settle delay = %v, want 1.2s", d)
	}

	if got := h.ctrl.State(); got != StateReady {
		t.Fatalf("state after warm-up = %s, want ready", got)
	}
	started := h.eventsOf(EventCaptureStarted)
	if len(started) != 1 || !started[0].OK || started[0].Degraded {
		t.Fatalf("CaptureStarted events = %+v, want one ok non-degraded", started)
	}

	// Warm-up consumed the only frame
	if _, ok := h.ctrl.AcquireFrame(); ok {
		t.Error("AcquireFrame() returned a frame with nothing new rendered")
	}

	h.surface.render()
	frame, ok := h.ctrl.AcquireFrame()
	if !ok {
		t.Fatal("AcquireFrame() returned no frame after render")
	}
	if frame.Width != 4 || frame.Height != 2 || len(frame.Data) == 0 {
		t.Errorf("frame = %dx%d (%d bytes), want 4x2 png", frame.Width, frame.Height, len(frame.Data))
	}
	if got := h.ctrl.State(); got != StateReady {
		t.Errorf("state after acquire = %s, want ready", got)
	}
	if h.surface.ring.InFlight() != 0 {
		t.Errorf("surface buffers in flight = %d, want 0", h.surface.ring.InFlight())
	}

	st := h.ctrl.Status()
	if st.FramesCaptured != 2 || st.FramesMissed != 1 || st.LastFrameAt == nil {
		t.Errorf("status = %+v, want 2 captured 1 missed with last frame time", st)
	}
}

func TestControllerWarmupRetriesOnceThenReady(t *testing.T) {
	for _, strict := range []bool{false, true} {
		h := newHarness(t, strict)
		h.startWarmup(t)

		h.sched.fire(t)
		if got := h.ctrl.State(); got != StateWarmingUp {
			t.Fatalf("state after empty first attempt = %s, want warming_up", got)
		}
		if d := h.sched.fire(t); d != 500*time.Millisecond {
			t.Errorf("retry delay = %v, want 500ms", d)
		}

		if got := h.ctrl.State(); got != StateReady {
			t.Fatalf("state after retry = %s, want ready", got)
		}
		if h.sched.len() != 0 {
			t.Errorf("%d callbacks still scheduled after warm-up", h.sched.len())
		}

		started := h.eventsOf(EventCaptureStarted)
		if len(started) != 1 || !started[0].Degraded {
			t.Fatalf("strict=%v: CaptureStarted = %+v, want one degraded", strict, started)
		}
		if started[0].OK == strict {
			t.Errorf("strict=%v: CaptureStarted ok = %v", strict, started[0].OK)
		}
		if !h.ctrl.Status().Degraded {
			t.Errorf("strict=%v: status not marked degraded", strict)
		}
	}
}

func TestControllerWarmupRetrySucceeds(t *testing.T) {
	h := newHarness(t, true)
	h.startWarmup(t)

	h.sched.fire(t)
	h.surface.render()
	h.sched.fire(t)

	started := h.eventsOf(EventCaptureStarted)
	if len(started) != 1 || !started[0].OK || started[0].Degraded {
		t.Fatalf("CaptureStarted = %+v, want one ok non-degraded", started)
	}
}

func TestControllerStopDuringWarmup(t *testing.T) {
	h := newHarness(t, false)
	grant := h.startWarmup(t)
	h.surface.render()

	h.ctrl.Stop()

	if got := h.ctrl.State(); got != StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", got)
	}
	// The timer already fired; its callback must be a no-op
	h.sched.fire(t)

	if got := h.ctrl.State(); got != StateStopped {
		t.Errorf("stale warm-up moved state to %s", got)
	}
	if n := len(h.eventsOf(EventCaptureStarted)); n != 0 {
		t.Errorf("got %d CaptureStarted events after Stop, want 0", n)
	}
	if h.surface.closed() != 1 || grant.released() != 1 {
		t.Errorf("surface closed %d times, grant released %d times, want 1 and 1", h.surface.closed(), grant.released())
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	grant := h.startWarmup(t)
	h.surface.render()
	h.sched.fire(t)

	h.ctrl.Stop()
	h.ctrl.Stop()

	if n := len(h.eventsOf(EventCaptureStopped)); n != 1 {
		t.Errorf("CaptureStopped events = %d, want 1", n)
	}
	if h.surface.closed() != 1 || grant.released() != 1 {
		t.Errorf("surface closed %d times, grant released %d times, want 1 and 1", h.surface.closed(), grant.released())
	}
	if _, ok := h.ctrl.AcquireFrame(); ok {
		t.Error("AcquireFrame() succeeded after Stop")
	}
}

func TestControllerStopCancelsPendingRequest(t *testing.T) {
	h := newHarness(t, false)
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	h.ctrl.Stop()

	select {
	case <-h.provider.ctx.Done():
	default:
		t.Error("permission request context not cancelled by Stop")
	}

	// A late grant is released and ignored
	late := &fakeGrant{id: "late"}
	h.provider.callback().OnGrantReceived(late)
	if late.released() != 1 {
		t.Errorf("late grant released %d times, want 1", late.released())
	}
	if got := h.ctrl.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestControllerAcquireFrameOutsideReady(t *testing.T) {
	h := newHarness(t, false)
	h.surface.render()

	if _, ok := h.ctrl.AcquireFrame(); ok {
		t.Error("AcquireFrame() succeeded in idle")
	}

	h.startWarmup(t)
	if _, ok := h.ctrl.AcquireFrame(); ok {
		t.Error("AcquireFrame() succeeded while warming up")
	}
	if got := h.ctrl.State(); got != StateWarmingUp {
		t.Errorf("AcquireFrame changed state to %s", got)
	}
}

func TestControllerPermissionDenied(t *testing.T) {
	h := newHarness(t, false)
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	h.provider.callback().OnPermissionDenied(errors.New("user cancelled"))

	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("state after denial = %s, want idle", got)
	}
	denied := h.eventsOf(EventPermissionDenied)
	if len(denied) != 1 || !errors.Is(denied[0].Err, ErrPermissionDenied) {
		t.Fatalf("PermissionDenied events = %+v", denied)
	}

	// A fresh Begin is allowed from idle
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Errorf("Begin() after denial error = %v", err)
	}
}

func TestControllerProviderErrorIsDenial(t *testing.T) {
	h := newHarness(t, false)
	h.provider.err = errors.New("portal unavailable")

	err := h.ctrl.Begin(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Begin() error = %v, want ErrPermissionDenied", err)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if n := len(h.eventsOf(EventPermissionDenied)); n != 1 {
		t.Errorf("PermissionDenied events = %d, want 1", n)
	}
}

func TestControllerGrantOutsideAwaitingIsIgnored(t *testing.T) {
	h := newHarness(t, false)

	stray := &fakeGrant{id: "stray"}
	h.ctrl.OnGrantReceived(stray)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if stray.released() != 1 {
		t.Errorf("stray grant released %d times, want 1", stray.released())
	}

	h.startWarmup(t)
	second := &fakeGrant{id: "second"}
	h.provider.callback().OnGrantReceived(second)
	if second.released() != 1 {
		t.Errorf("duplicate grant released %d times, want 1", second.released())
	}
	if got := h.ctrl.State(); got != StateWarmingUp {
		t.Errorf("state = %s, want warming_up", got)
	}
}

func TestControllerRevocation(t *testing.T) {
	h := newHarness(t, false)
	grant := h.startWarmup(t)
	h.surface.render()
	h.sched.fire(t)

	h.provider.callback().OnRevoked()

	if got := h.ctrl.State(); got != StateStopped {
		t.Fatalf("state after revoke = %s, want stopped", got)
	}
	stopped := h.eventsOf(EventCaptureStopped)
	if len(stopped) != 1 || !stopped[0].Revoked {
		t.Fatalf("CaptureStopped events = %+v, want one revoked", stopped)
	}
	if grant.released() != 1 {
		t.Errorf("grant released %d times, want 1", grant.released())
	}
}

func TestControllerBeginStates(t *testing.T) {
	h := newHarness(t, false)
	h.startWarmup(t)

	if err := h.ctrl.Begin(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Begin() while warming up error = %v, want ErrInvalidState", err)
	}

	h.ctrl.Stop()
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() after Stop error = %v", err)
	}
	if h.provider.requests != 2 {
		t.Errorf("provider requests = %d, want 2", h.provider.requests)
	}
}

func TestControllerStaleCallbackFromPreviousRequest(t *testing.T) {
	h := newHarness(t, false)
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	old := h.provider.callback()
	h.ctrl.Stop()

	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("second Begin() error = %v", err)
	}

	stale := &fakeGrant{id: "stale"}
	old.OnGrantReceived(stale)
	old.OnRevoked()

	if got := h.ctrl.State(); got != StateAwaitingPermission {
		t.Errorf("state = %s, want awaiting_permission", got)
	}
	if stale.released() != 1 {
		t.Errorf("stale grant released %d times, want 1", stale.released())
	}
}

func TestControllerRestartWhileSurfaceOpening(t *testing.T) {
	h := newHarness(t, false)
	first := &fakeSurface{ring: NewBufferRing(3)}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls int
	var mu sync.Mutex
	h.ctrl.opts.Surfaces = SurfaceFactoryFunc(func(Grant, int) (Surface, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-unblock
			return first, nil
		}
		return h.surface, nil
	})

	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	g1 := &fakeGrant{id: "g1"}
	done := make(chan struct{})
	cb := h.provider.callback()
	go func() {
		defer close(done)
		cb.OnGrantReceived(g1)
	}()
	<-entered

	h.ctrl.Stop()
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("second Begin() error = %v", err)
	}
	g2 := &fakeGrant{id: "g2"}
	h.provider.callback().OnGrantReceived(g2)

	close(unblock)
	<-done

	if got := h.ctrl.State(); got != StateWarmingUp {
		t.Fatalf("state = %s, want warming_up", got)
	}
	if g2.released() != 0 {
		t.Errorf("second grant released %d times, want 0", g2.released())
	}
	if first.closed() != 1 || g1.released() != 1 {
		t.Errorf("first surface closed %d, grant released %d, want 1 and 1", first.closed(), g1.released())
	}
}

func TestControllerSurfaceOpenFailure(t *testing.T) {
	h := newHarness(t, false)
	h.ctrl.opts.Surfaces = SurfaceFactoryFunc(func(Grant, int) (Surface, error) {
		return nil, errors.New("no pipewire node")
	})
	if err := h.ctrl.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	grant := &fakeGrant{id: "g"}
	h.provider.callback().OnGrantReceived(grant)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if grant.released() != 1 {
		t.Errorf("grant released %d times, want 1", grant.released())
	}
	started := h.eventsOf(EventCaptureStarted)
	if len(started) != 1 || started[0].OK {
		t.Errorf("CaptureStarted = %+v, want one failed", started)
	}
}

func TestControllerConcurrentAcquireAndStop(t *testing.T) {
	h := newHarness(t, false)
	grant := h.startWarmup(t)
	h.surface.render()
	h.sched.fire(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.surface.render()
				h.ctrl.AcquireFrame()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ctrl.Stop()
	}()
	wg.Wait()

	if grant.released() != 1 || h.surface.closed() != 1 {
		t.Errorf("grant released %d, surface closed %d, want 1 and 1", grant.released(), h.surface.closed())
	}
	if h.surface.ring.InFlight() != 0 {
		t.Errorf("buffers in flight after stop = %d", h.surface.ring.InFlight())
	}
}

func TestControllerRepeatedAcquireStaysReady(t *testing.T) {
	h := newHarness(t, false)
	h.startWarmup(t)
	h.surface.render()
	h.sched.fire(t)

	got := 0
	for i := 0; i < 5; i++ {
		if i%2 == 0 {
			h.surface.render()
		}
		if _, ok := h.ctrl.AcquireFrame(); ok {
			got++
		}
		if st := h.ctrl.State(); st != StateReady {
			t.Fatalf("state after acquire %d = %s, want ready", i, st)
		}
	}
	if got != 3 {
		t.Errorf("frames returned = %d, want 3", got)
	}

	h.ctrl.Stop()
	h.surface.render()
	for i := 0; i < 5; i++ {
		if _, ok := h.ctrl.AcquireFrame(); ok {
			t.Fatalf("AcquireFrame() %d after Stop returned a frame", i)
		}
	}
}
