// Package gst is a device backend for Blackmagic DeckLink cards driven through
// the GStreamer decklink plugin. Build with -tags gst to enable it; without the
// tag the backend registers but reports device.ErrNotAvailable.
package gst

import (
	"fmt"
	"strings"

	"github.com/video-system/go-raw-capture/pkg/device"
)

// BackendName is the registry name of this backend
const BackendName = "gst"

// modeInfo maps a DeckLink display mode to the decklinkvideosrc mode nick
type modeInfo struct {
	id            device.DisplayModeID
	nick          string
	name          string
	width, height int
	duration      int64
	scale         int64
	flags         device.DisplayModeFlags
}

var modes = []modeInfo{
	{0x6e747363, "ntsc", "NTSC", 720, 486, 1001, 30000, device.DisplayModeColorspaceRec601},
	{0x70616c20, "pal", "PAL", 720, 576, 1000, 25000, device.DisplayModeColorspaceRec601},
	{0x48703235, "1080p25", "HD 1080p 25", 1920, 1080, 1000, 25000, device.DisplayModeColorspaceRec709},
	{0x48703330, "1080p30", "HD 1080p 30", 1920, 1080, 1000, 30000, device.DisplayModeColorspaceRec709},
	{0x48693530, "1080i50", "HD 1080i 50", 1920, 1080, 1000, 25000, device.DisplayModeColorspaceRec709},
	{0x48703530, "1080p50", "HD 1080p 50", 1920, 1080, 1000, 50000, device.DisplayModeColorspaceRec709},
	{0x48703630, "1080p60", "HD 1080p 60", 1920, 1080, 1000, 60000, device.DisplayModeColorspaceRec709},
	{0x68703530, "720p50", "HD 720p 50", 1280, 720, 1000, 50000, device.DisplayModeColorspaceRec709},
	{0x346b3235, "2160p25", "4K 2160p 25", 3840, 2160, 1000, 25000, device.DisplayModeColorspaceRec709},
}

func lookupMode(id device.DisplayModeID) (modeInfo, bool) {
	for _, m := range modes {
		if m.id == id {
			return m, true
		}
	}
	return modeInfo{}, false
}

func videoFormatNick(f device.PixelFormat) (string, error) {
	switch f {
	case device.PixelFormat8BitYUV:
		return "8bit-yuv", nil
	case device.PixelFormat10BitYUV:
		return "10bit-yuv", nil
	case device.PixelFormat10BitRGB:
		return "10bit-rgb", nil
	}
	return "", fmt.Errorf("gst: unsupported pixel format %v", f)
}

func videoConnectionNick(c device.VideoConnection) string {
	switch c {
	case device.VideoConnectionComposite:
		return "composite"
	case device.VideoConnectionComponent:
		return "component"
	case device.VideoConnectionHDMI:
		return "hdmi"
	case device.VideoConnectionSDI:
		return "sdi"
	case device.VideoConnectionOpticalSDI:
		return "optical-sdi"
	case device.VideoConnectionSVideo:
		return "svideo"
	}
	return "auto"
}

func audioConnectionNick(c device.AudioConnection) string {
	switch c {
	case device.AudioConnectionAnalog:
		return "analog"
	case device.AudioConnectionEmbedded:
		return "embedded"
	case device.AudioConnectionAESEBU:
		return "aes"
	}
	return "auto"
}

// streamConfig is what the input has been told before StartStreams
type streamConfig struct {
	deviceNumber int

	video      bool
	mode       modeInfo
	format     device.PixelFormat
	autoDetect bool
	videoConn  device.VideoConnection

	audio     bool
	depth     int
	channels  int
	audioConn device.AudioConnection
}

// launchLine builds the gst-launch description of the capture pipeline.
// Each branch ends in a named appsink ("video", "audio").
func launchLine(cfg streamConfig) (string, error) {
	var branches []string

	if cfg.video {
		format, err := videoFormatNick(cfg.format)
		if err != nil {
			return "", err
		}
		mode := cfg.mode.nick
		if cfg.autoDetect {
			mode = "auto"
		}
		branches = append(branches, fmt.Sprintf(
			"decklinkvideosrc device-number=%d mode=%s video-format=%s connection=%s ! appsink name=video sync=false emit-signals=false",
			cfg.deviceNumber, mode, format, videoConnectionNick(cfg.videoConn)))
	}

	if cfg.audio {
		sampleFormat := "S16LE"
		if cfg.depth == 32 {
			sampleFormat = "S32LE"
		}
		branches = append(branches, fmt.Sprintf(
			"decklinkaudiosrc device-number=%d channels=%d connection=%s ! audio/x-raw,format=%s,rate=48000 ! appsink name=audio sync=false emit-signals=false",
			cfg.deviceNumber, cfg.channels, audioConnectionNick(cfg.audioConn), sampleFormat))
	}

	if len(branches) == 0 {
		return "", fmt.Errorf("gst: no stream enabled")
	}
	return strings.Join(branches, " "), nil
}
