package advisory

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSurface struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSurface) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeRenderer struct {
	handles  []*Handle
	surfaces []*fakeSurface
	err      error
}

func (r *fakeRenderer) Present(_ Session, h *Handle) (Surface, error) {
	if r.err != nil {
		return nil, r.err
	}
	s := &fakeSurface{}
	r.handles = append(r.handles, h)
	r.surfaces = append(r.surfaces, s)
	return s, nil
}

type permission bool

func (p permission) OverlayPermitted() bool { return bool(p) }

type fakePublisher struct {
	mu        sync.Mutex
	decisions []Decision
}

func (p *fakePublisher) Publish(d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
}

func (p *fakePublisher) published() []Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Decision(nil), p.decisions...)
}

type fakeNavigator struct{ calls int }

func (n *fakeNavigator) ShowNeutralScreen() error {
	n.calls++
	return nil
}

type fixture struct {
	p          *Presenter
	renderer   *fakeRenderer
	publisher  *fakePublisher
	navigator  *fakeNavigator
	delays     []time.Duration
	pending    []func()
	terminated []Decision
}

func newFixture(permitted bool) *fixture {
	f := &fixture{
		renderer:  &fakeRenderer{},
		publisher: &fakePublisher{},
		navigator: &fakeNavigator{},
	}
	f.p = NewPresenter(Options{
		Renderer:      f.renderer,
		Permission:    permission(permitted),
		Navigator:     f.navigator,
		Publisher:     f.publisher,
		GraceDelay:    300 * time.Millisecond,
		NeutralScreen: true,
		AfterFunc: func(d time.Duration, fn func()) {
			f.delays = append(f.delays, d)
			f.pending = append(f.pending, fn)
		},
		OnTerminate: func(d Decision) { f.terminated = append(f.terminated, d) },
	})
	return f
}

func TestShowActionsBySeverity(t *testing.T) {
	tests := []struct {
		severity Severity
		want     []Action
	}{
		{SeverityLow, []Action{ActionDismiss, ActionCloseApp}},
		{SeverityMedium, []Action{ActionCloseApp}},
		{SeverityHigh, []Action{ActionCloseApp}},
	}

	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			f := newFixture(true)
			s, err := f.p.Show(tt.severity, "X")
			if err != nil {
				t.Fatalf("Show() error = %v", err)
			}
			got := s.Actions()
			if len(got) != len(tt.want) {
				t.Fatalf("Actions() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Actions()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
			if s.AllowDismiss != (tt.severity == SeverityLow) {
				t.Errorf("AllowDismiss = %v", s.AllowDismiss)
			}
		})
	}
}

func TestShowWithoutPermission(t *testing.T) {
	f := newFixture(false)

	_, err := f.p.Show(SeverityHigh, "X")

	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("Show() error = %v, want ErrNotPermitted", err)
	}
	if len(f.renderer.handles) != 0 {
		t.Error("renderer called without permission")
	}
	if _, ok := f.p.Current(); ok {
		t.Error("advisory recorded as shown")
	}
}

func TestShowDefaultsSubject(t *testing.T) {
	f := newFixture(true)
	s, err := f.p.Show(SeverityLow, "  ")
	if err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if s.SubjectName != UnknownSubject {
		t.Errorf("SubjectName = %q, want %q", s.SubjectName, UnknownSubject)
	}
}

func TestLastShowWins(t *testing.T) {
	f := newFixture(true)
	first, _ := f.p.Show(SeverityLow, "A")
	second, _ := f.p.Show(SeverityHigh, "B")

	if f.renderer.surfaces[0].closed() != 1 {
		t.Error("first advisory not retired")
	}
	cur, ok := f.p.Current()
	if !ok || cur.ID != second.ID || cur.ID == first.ID {
		t.Fatalf("Current() = %+v, want second advisory", cur)
	}

	// The retired advisory can no longer decide
	f.renderer.handles[0].Dismiss()
	if n := len(f.publisher.published()); n != 0 {
		t.Errorf("retired advisory published %d decisions", n)
	}
}

func TestDismissPublishesOnce(t *testing.T) {
	f := newFixture(true)
	s, _ := f.p.Show(SeverityLow, "X")
	h := f.renderer.handles[0]

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Dismiss()
			h.RequestClose()
		}()
	}
	wg.Wait()

	got := f.publisher.published()
	if len(got) != 1 {
		t.Fatalf("published %d decisions, want 1", len(got))
	}
	if got[0].SessionID != s.ID {
		t.Errorf("decision session = %s, want %s", got[0].SessionID, s.ID)
	}
	if f.renderer.surfaces[0].closed() != 1 {
		t.Errorf("surface closed %d times, want 1", f.renderer.surfaces[0].closed())
	}
	if _, ok := f.p.Current(); ok {
		t.Error("advisory still current after decision")
	}
	if len(f.pending) != 1 {
		t.Errorf("scheduled %d terminations, want 1", len(f.pending))
	}
}

func TestCloseRequested(t *testing.T) {
	f := newFixture(true)
	f.p.Show(SeverityHigh, "Browser")

	f.renderer.handles[0].RequestClose()

	got := f.publisher.published()
	if len(got) != 1 || got[0].Kind != DecisionCloseRequested || got[0].SubjectName != "Browser" {
		t.Fatalf("published = %+v, want one CloseRequested(Browser)", got)
	}
	if m := got[0].Message(); m.Action != "close_app" || m.AppName != "Browser" {
		t.Errorf("Message() = %+v", m)
	}
	if f.navigator.calls != 1 {
		t.Errorf("neutral screen navigations = %d, want 1", f.navigator.calls)
	}

	if len(f.delays) != 1 || f.delays[0] != 300*time.Millisecond {
		t.Fatalf("grace delays = %v, want [300ms]", f.delays)
	}
	if len(f.terminated) != 0 {
		t.Fatal("terminated before the grace delay")
	}
	f.pending[0]()
	if len(f.terminated) != 1 {
		t.Errorf("terminations = %d, want 1", len(f.terminated))
	}
}

func TestDismissNotOfferedForHigh(t *testing.T) {
	f := newFixture(true)
	f.p.Show(SeverityHigh, "X")
	h := f.renderer.handles[0]

	h.Dismiss()
	if n := len(f.publisher.published()); n != 0 {
		t.Fatalf("dismiss on HIGH published %d decisions", n)
	}

	// Close must still work afterwards
	h.RequestClose()
	if n := len(f.publisher.published()); n != 1 {
		t.Errorf("close after ignored dismiss published %d decisions, want 1", n)
	}
}

func TestDismissDoesNotNavigate(t *testing.T) {
	f := newFixture(true)
	f.p.Show(SeverityLow, "X")
	f.renderer.handles[0].Dismiss()

	got := f.publisher.published()
	if len(got) != 1 || got[0].Kind != DecisionDismissed || got[0].SubjectName != "" {
		t.Fatalf("published = %+v, want one Dismissed", got)
	}
	if m := got[0].Message(); m.Action != "dismissed" || m.AppName != "" {
		t.Errorf("Message() = %+v", m)
	}
	if f.navigator.calls != 0 {
		t.Errorf("dismiss navigated %d times", f.navigator.calls)
	}
}

func TestHide(t *testing.T) {
	f := newFixture(true)
	f.p.Show(SeverityLow, "X")

	if !f.p.Hide() {
		t.Fatal("Hide() = false with an advisory shown")
	}
	if f.p.Hide() {
		t.Error("second Hide() = true")
	}
	f.renderer.handles[0].RequestClose()

	if n := len(f.publisher.published()); n != 0 {
		t.Errorf("hidden advisory published %d decisions", n)
	}
	if f.renderer.surfaces[0].closed() != 1 {
		t.Errorf("surface closed %d times, want 1", f.renderer.surfaces[0].closed())
	}
}

func TestShowRendererFailure(t *testing.T) {
	f := newFixture(true)
	f.renderer.err = errors.New("no display")

	if _, err := f.p.Show(SeverityLow, "X"); err == nil {
		t.Fatal("Show() error = nil, want renderer failure")
	}
	if _, ok := f.p.Current(); ok {
		t.Error("failed advisory recorded as current")
	}
}

func TestParseSeverity(t *testing.T) {
	for in, want := range map[string]Severity{"low": SeverityLow, "MEDIUM": SeverityMedium, " High ": SeverityHigh} {
		got, err := ParseSeverity(in)
		if err != nil || got != want {
			t.Errorf("ParseSeverity(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSeverity("EXTREME"); err == nil {
		t.Error("ParseSeverity(EXTREME) error = nil")
	}
}
