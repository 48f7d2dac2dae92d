// Package window resolves the application in front of the user so
// advisories can name it.
package window

import "context"

// Info describes a top-level window
type Info struct {
	ID       uint32 `json:"id"`
	Title    string `json:"title"`
	Class    string `json:"class"`
	Instance string `json:"instance"`
	PID      int    `json:"pid"`
}

// Backend reads focus from the display server
type Backend interface {
	// FocusedWindow returns the active window, nil when nothing is focused
	FocusedWindow() (*Info, error)

	// WatchFocus calls callback whenever the focused window changes until
	// ctx is done. It blocks.
	WatchFocus(ctx context.Context, callback func(*Info)) error

	// Close closes the connection to the display server
	Close() error

	// Name returns the backend name
	Name() string
}
