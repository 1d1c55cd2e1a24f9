package sink

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visiona/dvbridge/internal/types"
)

type recordingSurface struct {
	frames [][]byte
	err    error
}

func (s *recordingSurface) RenderFrame(pts int64, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func TestPreviewForwardsToSurface(t *testing.T) {
	surface := &recordingSurface{}
	p, err := NewPreview(surface, types.MediaProfile{SampleSize: 144000})
	if err != nil {
		t.Fatalf("NewPreview failed: %v", err)
	}
	if err := p.HandleFrame(1, []byte("frame")); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	if p.Rendered() != 1 || len(surface.frames) != 1 {
		t.Errorf("rendered=%d surface frames=%d", p.Rendered(), len(surface.frames))
	}
}

func TestPreviewSurfaceErrorPropagates(t *testing.T) {
	p, _ := NewPreview(&recordingSurface{err: errors.New("window gone")}, types.MediaProfile{})
	if err := p.HandleFrame(1, []byte("frame")); err == nil {
		t.Fatal("HandleFrame swallowed surface error")
	}
}

func TestPreviewRequiresSurface(t *testing.T) {
	if _, err := NewPreview(nil, types.MediaProfile{}); err == nil {
		t.Fatal("NewPreview accepted nil surface")
	}
}

func TestPreviewHubBroadcast(t *testing.T) {
	hub := NewPreviewHub()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Registration happens in the server handler; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Viewers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.RenderFrame(400_000, []byte("payload")); err != nil {
		t.Fatalf("RenderFrame failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != "payload" {
		t.Errorf("got message type=%d data=%q", kind, data)
	}
}

func TestPreviewHubNoViewersIsNoop(t *testing.T) {
	hub := NewPreviewHub()
	defer hub.Close()
	if err := hub.RenderFrame(0, []byte("x")); err != nil {
		t.Fatalf("RenderFrame with no viewers failed: %v", err)
	}
}
