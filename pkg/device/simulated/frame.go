package simulated

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/video-system/go-raw-capture/pkg/device"
)

var errNo3D = errors.New("simulated: frame has no right eye")

// bufferPool recycles fixed-size buffers between deliveries
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (bp *bufferPool) get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}

// handle is the shared refcount behind frames and packets. The final Release
// returns the buffer and decrements the provider's outstanding counter.
type handle struct {
	refs        atomic.Int32
	buf         *[]byte
	pool        *bufferPool
	outstanding *atomic.Int64
}

func newHandle(pool *bufferPool, outstanding *atomic.Int64, fill byte) *handle {
	h := &handle{buf: pool.get(), pool: pool, outstanding: outstanding}
	b := *h.buf
	for i := range b {
		b[i] = fill
	}
	h.refs.Store(1)
	outstanding.Add(1)
	return h
}

func (h *handle) release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.pool.put(h.buf)
		h.buf = nil
		h.outstanding.Add(-1)
	case n < 0:
		panic("simulated: handle released more than once")
	}
}

func (h *handle) bytes() []byte {
	if h.buf == nil {
		return nil
	}
	return *h.buf
}

type videoFrame struct {
	*handle
	width    int
	height   int
	rowBytes int
	format   device.PixelFormat
	flags    device.FrameFlags
}

func (f *videoFrame) Width() int                      { return f.width }
func (f *videoFrame) Height() int                     { return f.height }
func (f *videoFrame) RowBytes() int                   { return f.rowBytes }
func (f *videoFrame) PixelFormat() device.PixelFormat { return f.format }
func (f *videoFrame) Flags() device.FrameFlags        { return f.flags }
func (f *videoFrame) Bytes() []byte                   { return f.bytes() }
func (f *videoFrame) Release()                        { f.release() }

// inputFrame is a delivered monoscopic frame
type inputFrame struct {
	videoFrame
	frameTime     int64
	frameDuration int64
	timeScale     int64
}

func (f *inputFrame) StreamTime(scale int64) (int64, int64, error) {
	return f.frameTime * scale / f.timeScale, f.frameDuration * scale / f.timeScale, nil
}

// stereoFrame is a delivered dual-stream 3D frame
type stereoFrame struct {
	inputFrame
	right func() *videoFrame
}

func (f *stereoFrame) RightEyeFrame() (device.VideoFrame, error) {
	if f.right == nil {
		return nil, errNo3D
	}
	return f.right(), nil
}

type audioPacket struct {
	*handle
	samples  int
	channels int
	depth    int
	time     int64 // in ticks of timeScale
	scale    int64
}

func (p *audioPacket) SampleFrameCount() int { return p.samples }
func (p *audioPacket) Channels() int         { return p.channels }
func (p *audioPacket) SampleDepth() int      { return p.depth }
func (p *audioPacket) Bytes() []byte         { return p.bytes() }
func (p *audioPacket) Release()              { p.release() }

func (p *audioPacket) PacketTime(scale int64) (int64, error) {
	return p.time * scale / p.scale, nil
}

var (
	_ device.VideoInputFrame   = (*inputFrame)(nil)
	_ device.VideoInputFrame   = (*stereoFrame)(nil)
	_ device.Frame3DExtensions = (*stereoFrame)(nil)
	_ device.AudioInputPacket  = (*audioPacket)(nil)
)
