package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/video-system/go-raw-capture/pkg/capture"
	"github.com/video-system/go-raw-capture/pkg/device"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func yesNo(ok bool, err error) string {
	switch {
	case err != nil:
		return "?"
	case ok:
		return "yes"
	default:
		return "no"
	}
}

func openProvider(cmd *cobra.Command) (*capture.Config, device.Provider, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	provider, err := device.Open(cfg.Device.Backend, device.Options(cfg.Device.Options))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Device.Backend, err)
	}
	return cfg, provider, nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, provider, err := openProvider(cmd)
			if err != nil {
				return err
			}
			defer provider.Close()

			devices, err := provider.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s devices found\n", provider.Name())
				return nil
			}

			rows := make([][]string, 0, len(devices))
			for i, d := range devices {
				detect, dual := "?", "?"
				if attrs, err := d.Attributes(); err == nil {
					detect = yesNo(attrs.Flag(device.AttributeSupportsInputFormatDetection))
					dual = yesNo(attrs.Flag(device.AttributeSupportsDualStream3D))
					attrs.Release()
				}
				rows = append(rows, []string{strconv.Itoa(i), d.DisplayName(), d.ModelName(), detect, dual})
				d.Release()
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Device", "Model", "Format detection", "3D"}, rows))
			return nil
		},
	}
}
