package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/video-system/go-raw-capture/pkg/capture"
	"github.com/video-system/go-raw-capture/pkg/device"
)

// fourCC renders a display mode code the way DeckLink documents them
func fourCC(id device.DisplayModeID) string {
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(id))
		}
	}
	return string(b)
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the display modes of a device",
		Long: `List the display modes of the device selected with --device. The index
column is the value to pass to --mode; the supported column reports whether
the mode accepts the pixel format selected with --pixel-format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, provider, err := openProvider(cmd)
			if err != nil {
				return err
			}
			defer provider.Close()

			devices, err := provider.Devices()
			if err != nil {
				return err
			}
			defer func() {
				for _, d := range devices {
					d.Release()
				}
			}()
			if cfg.Device.Index >= len(devices) {
				return fmt.Errorf("%w: index %d, %d available", capture.ErrDeviceNotFound, cfg.Device.Index, len(devices))
			}
			dev := devices[cfg.Device.Index]

			input, err := dev.Input()
			if err != nil {
				return fmt.Errorf("%w: %w", capture.ErrNoInputInterface, err)
			}
			defer input.Release()

			modes, err := input.DisplayModes()
			if err != nil {
				return err
			}
			format := cfg.PixelFormat()
			rows := make([][]string, 0, len(modes))
			for i, m := range modes {
				name, err := m.Name()
				if err != nil {
					name = fmt.Sprintf("[index %d]", i)
				}
				duration, scale := m.FrameRate()
				fps := "-"
				if duration > 0 {
					fps = strconv.FormatFloat(float64(scale)/float64(duration), 'f', 2, 64)
				}
				support, err := input.SupportsVideoMode(m.ID(), format, device.VideoInputFlagDefault)
				rows = append(rows, []string{
					strconv.Itoa(i),
					name,
					fourCC(m.ID()),
					fmt.Sprintf("%dx%d", m.Width(), m.Height()),
					fps,
					yesNo(m.Flags()&device.DisplayModeSupports3D != 0, nil),
					yesNo(support != device.ModeNotSupported, err),
				})
				m.Release()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s, %s\n", dev.DisplayName(), format)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Mode", "ID", "Size", "FPS", "3D", "Supported"}, rows))
			return nil
		},
	}
}
