package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	serverURL  string
	logLevel   string
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "listenctl",
		Short: "Listen to music together from the terminal",
		Long: `listenctl hosts or joins a listening room on a relay server.

The host's playback is mirrored by every guest. Rooms are identified by a
short code the host shares with the people it wants to listen with.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", "", "relay server URL, overrides server_url")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(
		hostCmd(opts),
		joinCmd(opts),
		resumeCmd(opts),
		discoverCmd(opts),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "listenctl.yaml"
	}
	return filepath.Join(dir, "listen-together", "config.yaml")
}

func (o *globalOptions) logger() zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return logger.Level(lvl)
}

func (o *globalOptions) loadConfig() (*config.ClientConfig, error) {
	if dir := filepath.Dir(o.configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config dir: %w", err)
		}
	}

	cfg, err := config.LoadClient(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.serverURL != "" {
		cfg.ServerURL = o.serverURL
	}
	return cfg, nil
}
