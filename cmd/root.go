// Package cmd assembles the command-line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vistter/vistterstream/cmd/probe"
	"github.com/vistter/vistterstream/cmd/serve"
	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/logging"
)

// RootCommand creates and returns the root command.
func RootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	settings := &conf.Settings{}

	rootCmd := &cobra.Command{
		Use:   "vistterstream",
		Short: "VistterStream appliance streaming engine",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Init()

		loaded, err := conf.Load(configPath)
		if err != nil {
			return err
		}
		*settings = *loaded

		if debug {
			settings.Debug = true
		}
		if settings.Debug {
			logging.SetLevel(slog.LevelDebug)
		}
		logging.SetFileRotation(logging.RotationPolicy{
			MaxSizeMB:  settings.Logging.MaxSizeMB,
			MaxBackups: settings.Logging.MaxBackups,
			MaxAgeDays: settings.Logging.MaxAgeDays,
		})
		return nil
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		probe.Command(settings),
	)
	return rootCmd
}
