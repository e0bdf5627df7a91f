// Package cmd implements the capture command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	// backends register themselves with the device registry
	_ "github.com/video-system/go-raw-capture/pkg/device/gst"
	_ "github.com/video-system/go-raw-capture/pkg/device/simulated"
)

var version = "dev"

// NewRootCmd builds the command tree. The root command runs a capture.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "capture",
		Short: "Capture raw video and audio from a capture card",
		Long: `capture negotiates a display mode with a capture device, then writes the
raw video frames and PCM audio packets it delivers to two files until it is
interrupted, a frame budget is met or the streams drift out of sync.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCapture,
	}

	addDeviceFlags(root.PersistentFlags())
	addRunFlags(root.Flags())

	root.AddCommand(
		newDevicesCmd(),
		newModesCmd(),
		newJournalCmd(),
		newConfigCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}
