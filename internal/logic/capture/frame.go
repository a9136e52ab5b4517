package capture

import (
	"sync/atomic"
	"time"

	"github.com/cjeanneret/multicap/internal/hw/camera"
)

// Frame is one acquired image plus its capture metadata.
//
// Ownership: the device buffer moves into the Frame on acquisition, the Frame
// moves into the write queue on Enqueue, and the writer that dequeues it calls
// Release once the write completed or failed. Data must not be modified.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat camera.PixelFormat
	Device      int    // device index within the session
	Serial      string // device serial number, informational
	Sequence    int    // 1-based, per device
	Timestamp   time.Time

	image    *camera.Image
	queued   atomic.Bool
	released atomic.Bool
}

// NewFrame takes ownership of img.
func NewFrame(img *camera.Image, device int, serial string, sequence int, ts time.Time) *Frame {
	return &Frame{
		Data:        img.Data,
		Width:       img.Width,
		Height:      img.Height,
		PixelFormat: img.PixelFormat,
		Device:      device,
		Serial:      serial,
		Sequence:    sequence,
		Timestamp:   ts,
		image:       img,
	}
}

// Release hands the buffer back to the device. Only the first call has effect.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.image != nil {
		f.image.Release()
	}
	f.Data = nil
}

// Released reports whether Release was called.
func (f *Frame) Released() bool { return f.released.Load() }

// Name returns the frame's file name for extension ext.
func (f *Frame) Name(ext string) string {
	return FrameName(f.Sequence, f.Device, ext)
}

// FrameEvent describes a capture attempt to observers. It never carries the
// pixel buffer, which belongs to the write path.
type FrameEvent struct {
	Device    int
	Serial    string
	Sequence  int
	Timestamp time.Time
	Width     int
	Height    int
	Err       error // non-nil when the sequence number was skipped
}

// FrameObserver receives capture events (preview surfaces, status streams).
// FrameCaptured is called from capture goroutines and must not block.
type FrameObserver interface {
	FrameCaptured(ev FrameEvent)
}

// ObserverFunc adapts a function to FrameObserver.
type ObserverFunc func(ev FrameEvent)

// FrameCaptured implements FrameObserver.
func (f ObserverFunc) FrameCaptured(ev FrameEvent) { f(ev) }
