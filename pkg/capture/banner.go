package capture

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	bannerLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	bannerValue = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	bannerBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

type bannerRow struct {
	label string
	value string
}

// configurationBanner renders the resolved capture configuration
func configurationBanner(cfg *Config, deviceName, modeName string) string {
	mode := modeName
	if cfg.AutoDetect() {
		mode += " (format detection)"
	}
	frames := "unlimited"
	if cfg.Capture.MaxFrames > 0 {
		frames = fmt.Sprint(cfg.Capture.MaxFrames)
	}
	threshold := "disabled"
	if cfg.Capture.AVDelayMs > 0 {
		threshold = fmt.Sprintf("%d ms, %s", cfg.Capture.AVDelayMs, cfg.DesyncPolicy())
	}

	rows := []bannerRow{
		{"Device", deviceName},
		{"Display mode", mode},
		{"Pixel format", cfg.PixelFormat().String()},
		{"3D", fmt.Sprint(cfg.Device.Stereo3D)},
		{"Video connector", cfg.VideoConnection().String()},
		{"Audio", fmt.Sprintf("48 kHz, %d-bit, %d channels", cfg.Audio.SampleDepth, cfg.Audio.Channels)},
		{"Audio connector", cfg.AudioConnection().String()},
		{"Video file", cfg.Output.VideoFile},
		{"Audio file", cfg.Output.AudioFile},
		{"Max frames", frames},
		{"AV threshold", threshold},
	}

	var b strings.Builder
	b.WriteString(bannerTitle.Render("Capture configuration"))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(bannerLabel.Render(r.label))
		b.WriteString(bannerValue.Render(r.value))
	}
	return bannerBox.Render(b.String())
}
