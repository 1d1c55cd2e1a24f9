// Package sink holds the frame consumers a capture session fans out to: the
// persistent clip writer and the live preview renderer.
package sink

// Sink receives frames from the session's consumer loop. Implementations
// must not retain the data slice past HandleFrame; the underlying buffer is
// reused for the next frame.
type Sink interface {
	HandleFrame(pts int64, data []byte) error
	Close() error
}

// PreviewSurface is the opaque render target configured through
// SetPreviewWindow. The session constructs a fresh preview renderer around
// the surface on every start.
type PreviewSurface interface {
	RenderFrame(pts int64, data []byte) error
}
