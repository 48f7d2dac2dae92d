package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "One-off capture operations",
}

var captureSnapshotCmd = &cobra.Command{
	Use:   "snapshot FILE",
	Short: "Capture one frame to a PNG file",
	Long: `Request capture permission, wait for the surface to warm up and write the
latest frame to FILE. The session is stopped afterwards.`,
	Example: `  screenguard capture snapshot /tmp/screen.png`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCaptureSnapshot,
}

var snapshotTimeout time.Duration

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.AddCommand(captureSnapshotCmd)
	captureSnapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 2*time.Minute, "give up after this long, including the permission dialog")
}

func runCaptureSnapshot(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("snapshot")

	events := make(chan capture.Event, 8)
	ctrl, closer, err := newController(cfg, func(ev capture.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	defer ctrl.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if err := ctrl.Begin(ctx); err != nil {
		return err
	}

	if err := waitStarted(ctx, events); err != nil {
		return err
	}

	// Ready does not promise a frame; poll briefly for one
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if frame, ok := ctrl.AcquireFrame(); ok {
			if err := os.WriteFile(args[0], frame.Data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[0], err)
			}
			log.Info().Str("file", args[0]).Int("width", frame.Width).Int("height", frame.Height).Msg("Snapshot written")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no frame available: %w", ctx.Err())
		case ev := <-events:
			if ev.Kind == capture.EventCaptureStopped {
				return fmt.Errorf("capture stopped before a frame arrived")
			}
		case <-ticker.C:
		}
	}
}

func waitStarted(ctx context.Context, events <-chan capture.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.Kind {
			case capture.EventPermissionDenied:
				if ev.Err != nil {
					return ev.Err
				}
				return capture.ErrPermissionDenied
			case capture.EventCaptureStarted:
				if !ev.OK {
					return errors.New("capture surface produced no frames during warm-up")
				}
				return nil
			case capture.EventCaptureStopped:
				return errors.New("capture stopped during warm-up")
			}
		}
	}
}
