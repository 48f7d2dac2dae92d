package output

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

// MJPEGOutput streams frames as Motion JPEG over HTTP. Frames are only
// pulled from the source while at least one client is watching.
type MJPEGOutput struct {
	config Config

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	wake      chan struct{}

	frameCount atomic.Uint64
}

// NewMJPEGOutput creates a preview stream
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.FPS <= 0 {
		config.FPS = 5
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 75
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Clients returns the number of connected viewers
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Frames returns how many frames have been broadcast
func (m *MJPEGOutput) Frames() uint64 {
	return m.frameCount.Load()
}

// WriteFrame encodes frame and sends it to every client. Slow clients skip frames.
func (m *MJPEGOutput) WriteFrame(frame image.Image) error {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()
	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	m.clientsMu.RUnlock()
	return nil
}

// Run pulls frames from src at the configured rate until ctx is done,
// idling while nobody is connected
func (m *MJPEGOutput) Run(ctx context.Context, src FrameSource) {
	log := logger.WithComponent("mjpeg")
	interval := time.Second / time.Duration(m.config.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Int("fps", m.config.FPS).Msg("Preview stream ready")
	defer m.closeClients()

	for {
		if m.Clients() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok := src.AcquireFrame()
		if !ok {
			continue
		}
		img, err := png.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Failed to decode frame")
			continue
		}
		if err := m.WriteFrame(img); err != nil {
			log.Warn().Err(err).Msg("Failed to write preview frame")
		}
	}
}

func (m *MJPEGOutput) closeClients() {
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()
}

// ServeHTTP streams multipart JPEG frames until the client goes away
func (m *MJPEGOutput) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("mjpeg")

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	frameChan := make(chan []byte, 2)

	m.clientsMu.Lock()
	m.clients[frameChan] = struct{}{}
	clientCount := len(m.clients)
	m.clientsMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	log.Info().Int("clients", clientCount).Msg("Preview client connected")

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, frameChan)
		clientCount := len(m.clients)
		m.clientsMu.Unlock()
		log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
	}()

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case jpegData, ok := <-frameChan:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
