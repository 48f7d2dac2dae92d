package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/ScreenGuard/internal/window"
	"github.com/spf13/cobra"
)

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "Show the application in front of the user",
	Long:  `Resolve the focused X11 window and print the application name advisories would use.`,
	RunE:  runForeground,
}

func init() {
	rootCmd.AddCommand(foregroundCmd)
}

func runForeground(cmd *cobra.Command, args []string) error {
	if _, _, err := loadConfig(); err != nil {
		return err
	}

	backend, err := window.NewX11Backend()
	if err != nil {
		return err
	}
	defer backend.Close()

	fg, err := window.NewManager(backend).Resolve()
	if err != nil {
		return fmt.Errorf("failed to resolve foreground window: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fg)
}
