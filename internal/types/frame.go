package types

import "time"

// TicksPerSecond is the resolution of frame presentation timestamps.
// Timestamps are expressed in 100-nanosecond units, matching the reference
// clock of DV capture hardware.
const TicksPerSecond = 10_000_000

// Frame is one captured frame in flight between the producer callback and
// the consumer loop.
//
// Ownership: the queue owns Data between Put and the matching Get. After Get
// returns, the consumer owns Data for the duration of fan-out; the buffer is
// reused on the next Get. Sinks that retain frame bytes past HandleFrame must
// copy them.
type Frame struct {
	// PTS is the producer-assigned presentation timestamp in 100ns units,
	// monotonically non-decreasing within a session. A negative PTS marks
	// the sentinel.
	PTS int64

	// Data is the raw frame payload.
	Data []byte
}

// Sentinel reports whether f is the end-of-stream marker used to terminate
// the consumer loop during shutdown. Sentinel frames are never forwarded to
// sinks.
func (f Frame) Sentinel() bool {
	return f.PTS < 0 && len(f.Data) == 0
}

// SentinelFrame returns the designated end-of-stream marker.
func SentinelFrame() Frame {
	return Frame{PTS: -1}
}

// MediaProfile holds the media parameters negotiated with a capture source.
type MediaProfile struct {
	// SampleSize is the maximum frame payload size in bytes. The session
	// controller floors this to a minimum before sizing buffers.
	SampleSize int

	// FrameRate is the nominal frames per second delivered by the source.
	FrameRate float64

	// Format names the payload format, e.g. "dv-pal", "dv-ntsc", "h264".
	Format string
}

// FrameHandler receives frames from a capture source. Implementations must
// tolerate being invoked from the source's own delivery goroutine.
type FrameHandler interface {
	HandleFrame(pts int64, data []byte)
}

// Session event types published over the event plane.
const (
	EventCaptureStarted = "capture_started"
	EventCaptureStopped = "capture_stopped"
	EventCaptureError   = "capture_error"
)

// SessionEvent describes a capture session lifecycle transition.
type SessionEvent struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	Device        string    `json:"device"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message,omitempty"`
	FramesWritten uint64    `json:"frames_written,omitempty"`
}
