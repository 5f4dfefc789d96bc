// Package probe prints the detected hardware capabilities.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/hardware"
)

// Command creates the probe command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probe hardware encoding capabilities",
		Long:  "Run the ffmpeg encoder probe and print the selected encoder, platform, and stream ceiling.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			caps, err := hardware.Probe(ctx, settings.FFmpeg.Path)
			if err != nil {
				return err
			}

			fmt.Printf("Platform:           %s\n", caps.Platform)
			fmt.Printf("Encoder:            %s\n", caps.Encoder)
			fmt.Printf("Decoder:            %s\n", caps.Decoder)
			fmt.Printf("Hardware encoding:  %v\n", caps.Hardware)
			fmt.Printf("Max streams:        %d\n", caps.MaxConcurrentStreams)
			return nil
		},
	}
}
