// Package serve runs the engine until interrupted.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/engine"
)

// shutdownTimeout bounds the orderly teardown after a signal.
const shutdownTimeout = 30 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming engine",
		Long:  "Start the appliance engine: timeline executor, camera relays, watchdog, and scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
	setupFlags(cmd, settings)
	return cmd
}

func run(settings *conf.Settings) error {
	ctx := context.Background()

	eng, err := engine.New(ctx, settings)
	if err != nil {
		return err
	}
	eng.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	eng.Shutdown(shutdownCtx)
	return nil
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().StringVar(&settings.Database.Path, "database", viper.GetString("database.path"), "Path to the snapshot database")
	cmd.Flags().StringVar(&settings.FFmpeg.Path, "ffmpeg", viper.GetString("ffmpeg.path"), "Path to the ffmpeg binary")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Enable the Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Metrics.Listen, "listen", viper.GetString("metrics.listen"), "Listen address of the metrics endpoint")

	_ = viper.BindPFlags(cmd.Flags())
}
