package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// OwnClass is the WM_CLASS of ScreenGuard's own advisory window. Focus
// moving to it does not change the foreground application.
const OwnClass = "ScreenGuard"

// Foreground is the resolved application in front of the user
type Foreground struct {
	App    string `json:"app_name"`
	Class  string `json:"class,omitempty"`
	Title  string `json:"title,omitempty"`
	PID    int    `json:"pid,omitempty"`
	Window uint32 `json:"window_id,omitempty"`
}

// NewForeground labels info
func NewForeground(info *Info) Foreground {
	if info == nil {
		return Foreground{App: UnknownApp}
	}
	return Foreground{
		App:    LabelFor(info),
		Class:  info.Class,
		Title:  info.Title,
		PID:    info.PID,
		Window: info.ID,
	}
}

// Manager tracks the focused window through a Backend
type Manager struct {
	backend   Backend
	mu        sync.RWMutex
	current   *Info
	listeners []chan Foreground
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates a manager over backend
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// Start begins watching focus in the background
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("window manager already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		if err := m.backend.WatchFocus(ctx, m.update); err != nil {
			logger.WithComponent("window").Error().Err(err).Msg("Focus watch stopped")
		}
	}()

	logger.WithComponent("window").Info().Str("backend", m.backend.Name()).Msg("Watching foreground window")
	return nil
}

// Stop stops watching and closes the backend
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := m.backend.Close(); err != nil {
		logger.WithComponent("window").Warn().Err(err).Msg("Failed to close window backend")
	}
}

func (m *Manager) update(info *Info) {
	if info != nil && info.Class == OwnClass {
		return
	}

	m.mu.Lock()
	m.current = info
	m.mu.Unlock()

	fg := NewForeground(info)
	logger.WithComponent("window").Debug().
		Str("app", fg.App).
		Str("class", fg.Class).
		Int("pid", fg.PID).
		Msg("Foreground changed")
	m.notifyListeners(fg)
}

// Current returns the last known foreground application
func (m *Manager) Current() Foreground {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return NewForeground(m.current)
}

// SubjectName returns the label advisories should use
func (m *Manager) SubjectName() string {
	return m.Current().App
}

// Resolve asks the backend directly, bypassing the watch loop
func (m *Manager) Resolve() (Foreground, error) {
	info, err := m.backend.FocusedWindow()
	if err != nil {
		return Foreground{}, err
	}
	return NewForeground(info), nil
}

// Subscribe adds a listener for foreground changes
func (m *Manager) Subscribe() chan Foreground {
	ch := make(chan Foreground, 10)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (m *Manager) Unsubscribe(ch chan Foreground) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (m *Manager) notifyListeners(fg Foreground) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, listener := range m.listeners {
		select {
		case listener <- fg:
		default:
			// Skip if channel is full
		}
	}
}
