package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/GlassesStreamer/internal/config"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "glassesstreamer",
		Short: "GlassesStreamer - Capture the glasses view of a mirrored phone screen",
		Long: `GlassesStreamer captures a configurable rectangle of a mirrored phone
screen (the smart glasses preview pane) and distributes it as a live frame
stream.

Features:
  • Capture via X11, whole-display grabs or the Wayland screencast portal
  • Adjustable capture region with hot reload of the region file
  • Live MJPEG and WebSocket viewers with preview overlays
  • Recording with a sequence-number index
  • Forwarding frames to a processing endpoint or an RTMP relay
  • REST API for integration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/glassesstreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
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

// loadConfig opens the settings file and applies command line overrides.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if err := configMgr.Override("server_port", viper.GetInt("server_port")); err != nil {
			return nil, err
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if err := configMgr.Override("log_level", viper.GetString("log_level")); err != nil {
			return nil, err
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.PrettyLogs)
	return configMgr, nil
}

func openStore(cfg *config.Config) (*region.Store, error) {
	store, err := region.Open(cfg.Region.Path, region.Options{
		MinWidth:  cfg.Region.MinWidth,
		MinHeight: cfg.Region.MinHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}
	return store, nil
}
