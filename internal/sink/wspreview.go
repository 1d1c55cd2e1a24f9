package sink

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// PreviewHub broadcasts capture frames to WebSocket viewers and implements
// PreviewSurface. Slow viewers drop frames rather than stall the consumer
// loop; the writer path must never wait on a preview client.
type PreviewHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*websocket.Conn]chan []byte
	closed  bool

	dropped atomic.Uint64
}

// NewPreviewHub creates an empty hub. Mount it on an HTTP mux to accept
// viewer connections.
func NewPreviewHub() *PreviewHub {
	return &PreviewHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeHTTP upgrades the request and registers the viewer until it
// disconnects.
func (h *PreviewHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("preview upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	frames := make(chan []byte, 8)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.viewers[conn] = frames
	n := len(h.viewers)
	h.mu.Unlock()

	slog.Info("preview viewer connected", "remote", conn.RemoteAddr().String(), "viewers", n)

	go h.writeLoop(conn, frames)

	// Read loop exists only to observe the close handshake.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(conn)
}

func (h *PreviewHub) writeLoop(conn *websocket.Conn, frames <-chan []byte) {
	for data := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			conn.Close()
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

func (h *PreviewHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	frames, ok := h.viewers[conn]
	if ok {
		delete(h.viewers, conn)
	}
	h.mu.Unlock()
	if ok {
		close(frames)
	}
}

// RenderFrame implements PreviewSurface: broadcast to every viewer,
// non-blocking per viewer.
func (h *PreviewHub) RenderFrame(pts int64, data []byte) error {
	h.mu.Lock()
	if h.closed || len(h.viewers) == 0 {
		h.mu.Unlock()
		return nil
	}

	// The frame buffer is reused by the queue after this call returns, and
	// delivery is asynchronous, so broadcast a copy.
	payload := make([]byte, len(data))
	copy(payload, data)

	for _, frames := range h.viewers {
		select {
		case frames <- payload:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	return nil
}

// Viewers returns the number of connected preview clients.
func (h *PreviewHub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Dropped returns the number of frames skipped for slow viewers.
func (h *PreviewHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every viewer. The hub accepts no connections afterwards.
func (h *PreviewHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	viewers := h.viewers
	h.viewers = make(map[*websocket.Conn]chan []byte)
	h.mu.Unlock()

	for _, frames := range viewers {
		close(frames)
	}
	return nil
}
