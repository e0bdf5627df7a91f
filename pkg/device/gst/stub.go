//go:build !gst

package gst

import (
	"fmt"

	"github.com/video-system/go-raw-capture/pkg/device"
)

var errNotAvailable = fmt.Errorf("%w: GStreamer support not compiled in - build with -tags gst", device.ErrNotAvailable)

func init() {
	device.Register(BackendName, func(device.Options) (device.Provider, error) {
		return nil, errNotAvailable
	})
}
