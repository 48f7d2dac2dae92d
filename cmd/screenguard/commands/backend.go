package commands

import (
	"fmt"
	"io"

	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/capture/pipewire"
	"github.com/bryanchriswhite/ScreenGuard/internal/capture/portal"
	"github.com/bryanchriswhite/ScreenGuard/internal/capture/x11"
	"github.com/bryanchriswhite/ScreenGuard/internal/config"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newController builds a capture controller for the configured backend.
// The returned closer releases backend connections after the controller stops.
func newController(cfg *config.Config, onEvent func(capture.Event)) (*capture.Controller, io.Closer, error) {
	var (
		provider capture.PermissionProvider
		surfaces capture.SurfaceFactory
		closer   io.Closer = nopCloser{}
	)

	switch cfg.Capture.Backend {
	case config.BackendPortal:
		p, err := portal.New(portal.NewTokenStore(portal.DefaultTokenPath()), cfg.Capture.PortalTimeout)
		if err != nil {
			return nil, nil, err
		}
		provider, closer = p, p
		surfaces = capture.SurfaceFactoryFunc(pipewire.OpenSurface)
	case config.BackendX11:
		provider = &x11.Provider{}
		surfaces = capture.SurfaceFactoryFunc(x11.OpenSurface)
	default:
		return nil, nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}

	log := logger.WithComponent("capture-session")
	ctrl := capture.NewController(capture.Options{
		Provider:     provider,
		Surfaces:     surfaces,
		BufferDepth:  cfg.Capture.BufferDepth,
		SettleDelay:  cfg.Capture.SettleDelay,
		RetryDelay:   cfg.Capture.RetryDelay,
		StrictWarmup: cfg.Capture.StrictWarmup,
		OnEvent: func(ev capture.Event) {
			log.Info().
				Str("event", ev.Kind.String()).
				Bool("ok", ev.OK).
				Bool("degraded", ev.Degraded).
				Bool("revoked", ev.Revoked).
				AnErr("cause", ev.Err).
				Msg("Capture event")
			if onEvent != nil {
				onEvent(ev)
			}
		},
	})

	log.Info().Str("backend", cfg.Capture.Backend).Msg("Capture backend ready")
	return ctrl, closer, nil
}
