package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/pkg/config"
	"peerlink/pkg/logger"
)

var (
	flagConfig   string
	flagLogLevel string
	flagRelayURL string
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Peer-to-peer chat, file transfer and media over WebRTC",
	Long: `peerlink joins a relay room and connects directly to every other peer in it.

Chat lines typed on stdin are sent to all peers, files are transferred over
dedicated data channels, and RTP read from local UDP ports is published as
audio and video tracks.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&flagRelayURL, "relay", "r", "", "relay base URL, e.g. http://localhost:8080")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(createCmd)
}

// loadConfig reads --config (or PEERLINK_CONFIG) and applies the
// persistent flags on top.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("PEERLINK_CONFIG")
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagRelayURL != "" {
		cfg.Peer.RelayURL = flagRelayURL
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.SugaredLogger {
	return logger.New(cfg.Logging.Level).Sugar()
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
