package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/api"
	"github.com/bryanchriswhite/ScreenGuard/internal/display"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/bryanchriswhite/ScreenGuard/internal/output"
	"github.com/bryanchriswhite/ScreenGuard/internal/relay"
	"github.com/bryanchriswhite/ScreenGuard/internal/transport"
	"github.com/bryanchriswhite/ScreenGuard/internal/window"
	"github.com/spf13/cobra"
)

var (
	serveCapture    bool
	servePreviewFPS int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScreenGuard daemon",
	Long: `Start the ScreenGuard daemon: capture controller, advisory presenter,
decision relay and HTTP API.

Decisions from advisories shown by this daemon, or by "screenguard advisory
show" through D-Bus, are relayed to the WebSocket at /api/advisory/events.`,
	Example: `  # Start on the default port (8090)
  screenguard serve

  # Request capture permission immediately
  screenguard serve --capture

  # Start with debug logging
  screenguard serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveCapture, "capture", false, "begin a capture session on startup")
	serveCmd.Flags().IntVar(&servePreviewFPS, "preview-fps", 5, "frame rate of the MJPEG preview at /api/capture/stream")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Str("log_level", cfg.LogLevel).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, captureCloser, err := newController(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize capture: %w", err)
	}
	defer captureCloser.Close()
	defer ctrl.Stop()

	decisions := relay.New[advisory.Decision]()

	disp := display.New("")
	presenter := advisory.NewPresenter(advisory.Options{
		Renderer:      disp,
		Permission:    disp,
		Navigator:     disp,
		Publisher:     decisions,
		GraceDelay:    cfg.Advisory.GraceDelay,
		NeutralScreen: cfg.Advisory.NeutralScreen,
	})
	defer presenter.Hide()

	var foreground api.Foreground
	if backend, err := window.NewX11Backend(); err != nil {
		log.Warn().Err(err).Msg("Foreground tracking disabled")
	} else {
		windowMgr := window.NewManager(backend)
		if err := windowMgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start window manager: %w", err)
		}
		defer windowMgr.Stop()
		foreground = windowMgr
	}

	if receiver, err := transport.NewDBusReceiver(decisions); err != nil {
		log.Warn().Err(err).Msg("D-Bus decision receiver disabled")
	} else {
		go func() {
			if err := receiver.Run(ctx); err != nil {
				log.Error().Err(err).Msg("D-Bus decision receiver stopped")
			}
		}()
	}

	preview := output.NewMJPEGOutput(output.Config{FPS: servePreviewFPS})
	go preview.Run(ctx, ctrl)

	if serveCapture {
		if err := ctrl.Begin(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to begin capture")
		}
	}

	server := api.NewServer(ctx, api.Options{
		Capture:    ctrl,
		Advisories: presenter,
		Foreground: foreground,
		Relay:      decisions,
		Decisions:  transport.NewBridge(decisions),
		Preview:    preview,
		Config:     func() interface{} { return configMgr.Get() },
	})

	log.Info().
		Int("port", cfg.ServerPort).
		Str("backend", cfg.Capture.Backend).
		Msgf("ScreenGuard is running, API at http://localhost:%d/api", cfg.ServerPort)

	if err := server.Run(ctx, cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}
