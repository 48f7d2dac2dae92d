package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/ScreenGuard/internal/api"
	"github.com/bryanchriswhite/ScreenGuard/internal/config"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:     "screenguard",
		Short:   "ScreenGuard - screen capture sessions with blocking advisories",
		Version: api.Version,
		Long: `ScreenGuard owns a screen capture session for a content classifier and
shows a full-screen advisory when harmful content is reported.

Features:
  • Screen capture through the desktop portal (PipeWire) or X11
  • Warm-up and retry before frames are handed out
  • LOW / MEDIUM / HIGH advisories with dismiss and close-app decisions
  • Decision relay to a WebSocket listener or over D-Bus
  • Foreground application tracking via X11
  • REST API for integration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screenguard/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8090)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file, applies flag overrides and sets up logging
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if port := viper.GetInt("server_port"); port > 0 {
		configMgr.SetPort(port)
	}
	if level := viper.GetString("log_level"); level != "" {
		configMgr.SetLogLevel(level)
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}
