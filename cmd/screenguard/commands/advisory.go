package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/display"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/bryanchriswhite/ScreenGuard/internal/transport"
	"github.com/bryanchriswhite/ScreenGuard/internal/window"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var advisoryCmd = &cobra.Command{
	Use:   "advisory",
	Short: "Show advisories and follow decisions",
}

var advisoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a blocking advisory and wait for the user's decision",
	Long: `Show a full-screen advisory and exit once the user decides.

The decision is printed as JSON and broadcast on the session bus so a running
daemon can relay it. LOW advisories can be dismissed; MEDIUM and HIGH only
offer to close the application.`,
	Example: `  # Warn about the focused application
  screenguard advisory show --level medium

  # Name the application explicitly
  screenguard advisory show --level high --app Firefox`,
	RunE: runAdvisoryShow,
}

var advisoryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print decisions relayed by a running daemon",
	RunE:  runAdvisoryWatch,
}

var (
	advisoryLevel string
	advisoryApp   string
)

func init() {
	rootCmd.AddCommand(advisoryCmd)
	advisoryCmd.AddCommand(advisoryShowCmd)
	advisoryCmd.AddCommand(advisoryWatchCmd)

	advisoryShowCmd.Flags().StringVarP(&advisoryLevel, "level", "l", "low", "severity (low, medium, high)")
	advisoryShowCmd.Flags().StringVarP(&advisoryApp, "app", "a", "", "application name (default is the focused application)")
}

// fanout publishes to every non-nil publisher
type fanout []advisory.Publisher

func (f fanout) Publish(d advisory.Decision) {
	for _, p := range f {
		p.Publish(d)
	}
}

func runAdvisoryShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("advisory-host")

	severity, err := advisory.ParseSeverity(advisoryLevel)
	if err != nil {
		return err
	}

	subject := advisoryApp
	if subject == "" {
		subject = focusedApp()
	}

	var publishers fanout
	if emitter, err := transport.NewDBusEmitter(); err != nil {
		log.Warn().Err(err).Msg("Decision will not be broadcast on D-Bus")
	} else {
		defer emitter.Close()
		publishers = append(publishers, emitter)
	}

	done := make(chan advisory.Decision, 1)
	disp := display.New("")
	presenter := advisory.NewPresenter(advisory.Options{
		Renderer:      disp,
		Permission:    disp,
		Navigator:     disp,
		Publisher:     publishers,
		GraceDelay:    cfg.Advisory.GraceDelay,
		NeutralScreen: cfg.Advisory.NeutralScreen,
		OnTerminate:   func(d advisory.Decision) { done <- d },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := presenter.Show(severity, subject); err != nil {
		if errors.Is(err, advisory.ErrNotPermitted) {
			return fmt.Errorf("cannot draw over other applications: %w", err)
		}
		return err
	}

	select {
	case d := <-done:
		return json.NewEncoder(os.Stdout).Encode(d.Message())
	case <-ctx.Done():
		presenter.Hide()
		return ctx.Err()
	}
}

// focusedApp names the focused application, or Unknown without X11
func focusedApp() string {
	backend, err := window.NewX11Backend()
	if err != nil {
		logger.WithComponent("advisory-host").Debug().Err(err).Msg("Cannot resolve foreground application")
		return window.UnknownApp
	}
	defer backend.Close()

	fg, err := window.NewManager(backend).Resolve()
	if err != nil {
		return window.UnknownApp
	}
	return fg.App
}

func runAdvisoryWatch(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("ws://localhost:%d/api/advisory/events", cfg.ServerPort)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		var m advisory.Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("decision stream ended: %w", err)
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
}
