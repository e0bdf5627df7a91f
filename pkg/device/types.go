package device

import (
	"fmt"
	"strings"
)

// DisplayModeID is a backend display mode code (DeckLink FourCC style)
type DisplayModeID uint32

// PixelFormat is a capture pixel format
type PixelFormat uint32

const (
	PixelFormat8BitYUV  PixelFormat = 0x32767579 // '2vuy'
	PixelFormat10BitYUV PixelFormat = 0x76323130 // 'v210'
	PixelFormat10BitRGB PixelFormat = 0x72323130 // 'r210'
)

// BytesPerRow returns the row stride of width pixels in format
func (p PixelFormat) BytesPerRow(width int) int {
	switch p {
	case PixelFormat10BitYUV:
		// v210 packs 6 pixels into 16 bytes, rows aligned to 48 pixels
		return ((width + 47) / 48) * 128
	case PixelFormat10BitRGB:
		return width * 4
	default:
		return width * 2
	}
}

func (p PixelFormat) String() string {
	switch p {
	case PixelFormat8BitYUV:
		return "yuv8"
	case PixelFormat10BitYUV:
		return "yuv10"
	case PixelFormat10BitRGB:
		return "rgb10"
	default:
		return fmt.Sprintf("pixfmt(0x%08x)", uint32(p))
	}
}

// ParsePixelFormat parses a pixel format name or the legacy numeric selector
// (0: 8-bit YUV, 1: 10-bit YUV, 2: 10-bit RGB)
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "yuv8", "2vuy":
		return PixelFormat8BitYUV, nil
	case "1", "yuv10", "v210":
		return PixelFormat10BitYUV, nil
	case "2", "rgb10", "r210":
		return PixelFormat10BitRGB, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", s)
	}
}

// VideoInputFlags modify EnableVideoInput
type VideoInputFlags uint32

const (
	VideoInputFlagDefault           VideoInputFlags = 0
	VideoInputEnableFormatDetection VideoInputFlags = 1 << 0
	VideoInputDualStream3D          VideoInputFlags = 1 << 1
)

// DisplayModeFlags describe a display mode
type DisplayModeFlags uint32

const (
	DisplayModeSupports3D       DisplayModeFlags = 1 << 0
	DisplayModeColorspaceRec601 DisplayModeFlags = 1 << 1
	DisplayModeColorspaceRec709 DisplayModeFlags = 1 << 2
)

// FrameFlags describe a delivered frame
type FrameFlags uint32

const (
	FrameFlagDefault      FrameFlags = 0
	FrameFlagFlipVertical FrameFlags = 1 << 0
	FrameHasNoInputSource FrameFlags = 1 << 31
)

// ModeSupport is the answer to SupportsVideoMode
type ModeSupport int

const (
	ModeNotSupported ModeSupport = iota
	ModeSupported
	ModeSupportedWithConversion
)

// Attribute is a queryable capability flag
type Attribute int

const (
	AttributeSupportsInputFormatDetection Attribute = iota + 1
	AttributeSupportsDualStream3D
)

// AudioSampleRate in Hz
type AudioSampleRate int

const AudioSampleRate48kHz AudioSampleRate = 48000

// AudioSampleType is the bit depth of one sample
type AudioSampleType int

const (
	AudioSampleType16Bit AudioSampleType = 16
	AudioSampleType32Bit AudioSampleType = 32
)

// FormatChangedEvents is reported with VideoInputFormatChanged
type FormatChangedEvents uint32

const (
	FormatChangedDisplayModeChanged    FormatChangedEvents = 1 << 0
	FormatChangedFieldDominanceChanged FormatChangedEvents = 1 << 1
	FormatChangedColorspaceChanged     FormatChangedEvents = 1 << 2
)

// DetectedFormatFlags is reported with VideoInputFormatChanged
type DetectedFormatFlags uint32

const (
	DetectedFormatYCbCr422     DetectedFormatFlags = 1 << 0
	DetectedFormatRGB444       DetectedFormatFlags = 1 << 1
	DetectedFormatDualStream3D DetectedFormatFlags = 1 << 2
)

// VideoConnection is a physical video input connector
type VideoConnection int

const (
	VideoConnectionUnset VideoConnection = iota
	VideoConnectionComposite
	VideoConnectionComponent
	VideoConnectionHDMI
	VideoConnectionSDI
	VideoConnectionOpticalSDI
	VideoConnectionSVideo
)

func (c VideoConnection) String() string {
	switch c {
	case VideoConnectionUnset:
		return "device default"
	case VideoConnectionComposite:
		return "Composite"
	case VideoConnectionComponent:
		return "Component"
	case VideoConnectionHDMI:
		return "HDMI"
	case VideoConnectionSDI:
		return "SDI"
	case VideoConnectionOpticalSDI:
		return "Optical SDI"
	case VideoConnectionSVideo:
		return "S-Video"
	default:
		return fmt.Sprintf("video-connection(%d)", int(c))
	}
}

// Valid reports whether c is one of the known selectors
func (c VideoConnection) Valid() bool {
	return c >= VideoConnectionUnset && c <= VideoConnectionSVideo
}

// AudioConnection is a physical audio input connector
type AudioConnection int

const (
	AudioConnectionUnset AudioConnection = iota
	AudioConnectionAnalog
	AudioConnectionEmbedded
	AudioConnectionAESEBU
)

func (c AudioConnection) String() string {
	switch c {
	case AudioConnectionUnset:
		return "device default"
	case AudioConnectionAnalog:
		return "Analog"
	case AudioConnectionEmbedded:
		return "Embedded (HDMI/SDI)"
	case AudioConnectionAESEBU:
		return "AES/EBU"
	default:
		return fmt.Sprintf("audio-connection(%d)", int(c))
	}
}

// Valid reports whether c is one of the known selectors
func (c AudioConnection) Valid() bool {
	return c >= AudioConnectionUnset && c <= AudioConnectionAESEBU
}
