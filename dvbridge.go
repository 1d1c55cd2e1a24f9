package dvbridge

import (
	"sync"

	"github.com/visiona/dvbridge/internal/capture"
	"github.com/visiona/dvbridge/internal/sink"
	"github.com/visiona/dvbridge/internal/source"
)

// CaptureOptions configures one recording session. The zero value applies
// the documented defaults.
type CaptureOptions = capture.Options

// Status is a point-in-time snapshot of the session.
type Status = capture.Status

// PreviewSurface receives decodable frame payloads for live display.
type PreviewSurface = sink.PreviewSurface

// DefaultQueueSize is the frame queue capacity used when CaptureOptions
// leaves QueueSize unset.
const DefaultQueueSize = capture.DefaultQueueSize

var (
	mu     sync.Mutex
	engine *capture.Engine
)

// Engine returns the process-wide capture engine, creating it on first use
// with the GStreamer FireWire backend.
func Engine() *capture.Engine {
	mu.Lock()
	defer mu.Unlock()
	if engine == nil {
		engine = capture.NewEngine(source.NewGstFactory())
	}
	return engine
}

// SetEngine replaces the process-wide engine. Intended for embedders that
// construct their own backend; must be called before any other package-level
// function.
func SetEngine(e *capture.Engine) {
	mu.Lock()
	defer mu.Unlock()
	engine = e
}

// Initialize prepares the capture backend. Idempotent; every other call
// performs it implicitly.
func Initialize() error {
	return Engine().Initialize()
}

// SetDevice selects the capture device used by the next StartCapture.
func SetDevice(name string) error {
	return Engine().SetDevice(name)
}

// SetPreviewWindow attaches a preview surface. Pass nil to detach. Rejected
// while a capture is running.
func SetPreviewWindow(surface PreviewSurface) error {
	return Engine().SetPreviewWindow(surface)
}

// StartCapture begins a recording session with the given options.
func StartCapture(opts CaptureOptions) error {
	return Engine().StartCapture(opts)
}

// StopCapture ends the running session, flushing all queued frames to disk.
// A no-op when idle.
func StopCapture() {
	Engine().StopCapture()
}

// IsCapturing reports whether a session is currently recording.
func IsCapturing() bool {
	return Engine().IsCapturing()
}

// LastError returns the most recently recorded error message, or the empty
// string.
func LastError() string {
	return Engine().LastError()
}

// GetStatus returns a snapshot of the session.
func GetStatus() Status {
	return Engine().Status()
}

// Shutdown stops any running capture and releases backend resources. The
// engine remains usable; Initialize re-acquires.
func Shutdown() {
	Engine().Shutdown()
}
