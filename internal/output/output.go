// Package output re-streams captured frames for preview
package output

import (
	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
)

// FrameSource yields the latest captured frame, if one is ready
type FrameSource interface {
	AcquireFrame() (*capture.Frame, bool)
}

// Config tunes the preview stream
type Config struct {
	FPS     int
	Quality int // JPEG quality, 1-100
}
