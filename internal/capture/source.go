package capture

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// Surface is a live, continuously updated pixel source backing a capture session
type Surface interface {
	// AcquireLatest returns the newest rendered buffer without waiting.
	// ErrNoBuffer means nothing new is available yet.
	AcquireLatest() (Buffer, error)

	// Close tears the surface down. It must be safe to call more than once.
	Close() error

	// ID identifies the surface in logs and status output
	ID() string
}

// Grant is a single-use capture capability issued by a PermissionProvider
type Grant interface {
	// ID identifies the grant in logs (portal session handle, display name)
	ID() string

	// Release hands the capability back to the platform
	Release() error
}

// SurfaceFactory opens a surface from a grant. The grant is consumed by the
// returned surface's FrameSource; on error the caller still owns it.
type SurfaceFactory interface {
	OpenSurface(grant Grant, depth int) (Surface, error)
}

// SurfaceFactoryFunc adapts a function to SurfaceFactory
type SurfaceFactoryFunc func(grant Grant, depth int) (Surface, error)

// OpenSurface calls f
func (f SurfaceFactoryFunc) OpenSurface(grant Grant, depth int) (Surface, error) {
	return f(grant, depth)
}

// FrameSource produces at most one already available frame per request
type FrameSource interface {
	// Acquire returns the latest frame, or false when none is available.
	// It never blocks waiting for the surface to render.
	Acquire() (*Frame, bool)

	// Release tears down the surface and returns the grant. Idempotent.
	Release()
}

// surfaceSource is the FrameSource over a Surface and the grant that opened it
type surfaceSource struct {
	surface Surface
	grant   Grant
	seq     atomic.Uint64
	once    sync.Once
	closed  atomic.Bool
}

// NewFrameSource wraps a surface and takes ownership of grant
func NewFrameSource(surface Surface, grant Grant) FrameSource {
	return &surfaceSource{surface: surface, grant: grant}
}

// Acquire implements FrameSource
func (s *surfaceSource) Acquire() (*Frame, bool) {
	if s.closed.Load() {
		return nil, false
	}

	log := logger.WithComponent("frame-source")

	buf, err := s.surface.AcquireLatest()
	if err != nil {
		if !errors.Is(err, ErrNoBuffer) {
			log.Debug().Err(err).Str("surface", s.surface.ID()).Msg("Surface acquire failed")
		}
		return nil, false
	}
	// The buffer goes back to the surface pool on every path below
	defer func() {
		if err := buf.Close(); err != nil {
			log.Warn().Err(err).Str("surface", s.surface.ID()).Msg("Failed to release surface buffer")
		}
	}()

	frame, err := EncodeFrame(buf.Image(), buf.Timestamp())
	if err != nil {
		log.Warn().Err(err).Str("surface", s.surface.ID()).Msg("Failed to encode frame")
		return nil, false
	}
	frame.Seq = s.seq.Add(1)

	log.Debug().
		Uint64("seq", frame.Seq).
		Int("width", frame.Width).
		Int("height", frame.Height).
		Int("bytes", len(frame.Data)).
		Msg("Frame acquired")

	return frame, true
}

// Release implements FrameSource. Teardown failures are logged and swallowed.
func (s *surfaceSource) Release() {
	s.once.Do(func() {
		s.closed.Store(true)
		log := logger.WithComponent("frame-source")

		if err := s.surface.Close(); err != nil {
			log.Error().Err(&TeardownError{Resource: "surface", Err: err}).Str("surface", s.surface.ID()).Msg("Resource teardown failure")
		}
		if s.grant != nil {
			if err := s.grant.Release(); err != nil {
				log.Error().Err(&TeardownError{Resource: "grant", Err: err}).Str("grant", s.grant.ID()).Msg("Resource teardown failure")
			}
		}
		log.Info().Str("surface", s.surface.ID()).Msg("Frame source released")
	})
}

// TeardownError records a failure while releasing a capture resource. It is
// only ever logged.
type TeardownError struct {
	Resource string
	Err      error
}

func (e *TeardownError) Error() string {
	return "failed to release " + e.Resource + ": " + e.Err.Error()
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}
