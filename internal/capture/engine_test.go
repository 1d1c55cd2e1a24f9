package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visiona/dvbridge/internal/sink"
	"github.com/visiona/dvbridge/internal/source"
	"github.com/visiona/dvbridge/internal/types"
)

// recordSink collects delivered frames; gate/entered make consumption
// controllable from the test.
type recordSink struct {
	mu      sync.Mutex
	pts     []int64
	closed  bool
	err     error
	gate    chan struct{} // when non-nil, HandleFrame waits for one token
	entered chan struct{} // when non-nil, signaled on every HandleFrame entry
}

func (s *recordSink) HandleFrame(pts int64, data []byte) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.pts = append(s.pts, pts)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordSink) frames() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pts...)
}

type recordSurface struct {
	mu  sync.Mutex
	pts []int64
}

func (s *recordSurface) RenderFrame(pts int64, data []byte) error {
	s.mu.Lock()
	s.pts = append(s.pts, pts)
	s.mu.Unlock()
	return nil
}

func (s *recordSurface) frames() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pts...)
}

func newTestEngine(t *testing.T, f *source.MockFactory, w sink.Sink) *Engine {
	t.Helper()
	e := NewEngine(f)
	e.newWriter = func(cfg sink.WriterConfig) (sink.Sink, error) {
		return w, nil
	}
	return e
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartWithoutDeviceFails(t *testing.T) {
	// Scenario: StartCapture with options but no device configured must
	// fail synchronously, record an error mentioning the device, and leave
	// the state idle.
	e := newTestEngine(t, &source.MockFactory{Manual: true}, &recordSink{})

	err := e.StartCapture(Options{OutputDirectory: t.TempDir(), FileBaseName: "clip", QueueSize: 4})
	if err == nil {
		t.Fatal("StartCapture succeeded with no device configured")
	}
	if !strings.Contains(e.LastError(), "device") {
		t.Errorf("LastError = %q, want mention of missing device", e.LastError())
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})
	if err := e.SetDevice("mock0"); err != nil {
		t.Fatalf("SetDevice failed: %v", err)
	}
	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("first StartCapture failed: %v", err)
	}
	defer e.StopCapture()

	if err := e.StartCapture(Options{}); err == nil {
		t.Fatal("second StartCapture succeeded without Stop")
	}
	if !strings.Contains(e.LastError(), "already running") {
		t.Errorf("LastError = %q", e.LastError())
	}
	if !e.IsCapturing() {
		t.Error("failed re-Start must leave the running session capturing")
	}
}

func TestStopOnIdleIsNoop(t *testing.T) {
	e := newTestEngine(t, &source.MockFactory{Manual: true}, &recordSink{})
	e.StopCapture()
	if e.State() != StateIdle {
		t.Errorf("state = %v after Stop on idle session", e.State())
	}
}

func TestStopBeforeAnyFrame(t *testing.T) {
	// Scenario: Stop immediately after Start, before any frame arrives.
	// The consumer exits via the sentinel alone and zero frames reach
	// either sink.
	f := &source.MockFactory{Manual: true}
	w := &recordSink{}
	e := newTestEngine(t, f, w)
	surface := &recordSurface{}
	e.SetPreviewWindow(surface)
	e.SetDevice("mock0")

	if err := e.StartCapture(Options{EnablePreview: true}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	e.StopCapture()

	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}
	if n := len(w.frames()); n != 0 {
		t.Errorf("writer received %d frames, want 0", n)
	}
	if n := len(surface.frames()); n != 0 {
		t.Errorf("preview received %d frames, want 0", n)
	}
	if !f.Sources()[0].Closed() {
		t.Error("source not closed after Stop")
	}
}

func TestRepeatedStartStopCycles(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	w := &recordSink{}
	e := newTestEngine(t, f, w)
	e.SetDevice("mock0")

	for i := 0; i < 5; i++ {
		if err := e.StartCapture(Options{}); err != nil {
			t.Fatalf("cycle %d: StartCapture failed: %v", i, err)
		}
		if !e.IsCapturing() {
			t.Fatalf("cycle %d: not capturing after Start", i)
		}
		e.StopCapture()
		if e.IsCapturing() {
			t.Fatalf("cycle %d: still capturing after Stop", i)
		}
	}
	if got := len(f.Sources()); got != 5 {
		t.Errorf("opened %d sources, want 5 (fresh collaborators per session)", got)
	}
	for i, s := range f.Sources() {
		if !s.Closed() {
			t.Errorf("source %d not closed", i)
		}
	}
}

func TestFrameOrderPreserved(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	w := &recordSink{}
	e := newTestEngine(t, f, w)
	e.SetDevice("mock0")

	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	src := f.Sources()[0]

	const n = 20
	for i := 0; i < n; i++ {
		src.Emit(int64(i)*400_000, []byte{byte(i)})
	}

	waitUntil(t, "writer to drain all frames", func() bool {
		return len(w.frames()) == n
	})
	e.StopCapture()

	pts := w.frames()
	for i := 1; i < len(pts); i++ {
		if pts[i] < pts[i-1] {
			t.Fatalf("writer saw out-of-order pts: %d after %d", pts[i], pts[i-1])
		}
	}
	for i, p := range pts {
		if p != int64(i)*400_000 {
			t.Fatalf("frame %d pts = %d, want %d", i, p, int64(i)*400_000)
		}
	}
}

func TestPreviewShedUnderLoad(t *testing.T) {
	// Scenario (queue_size=4, threshold=2): the writer is gated so the
	// queue backs up. The frame dequeued at load >= 2 must skip preview
	// while still reaching the writer.
	f := &source.MockFactory{Manual: true}
	w := &recordSink{
		gate:    make(chan struct{}, 8),
		entered: make(chan struct{}, 8),
	}
	e := newTestEngine(t, f, w)
	surface := &recordSurface{}
	e.SetPreviewWindow(surface)
	e.SetDevice("mock0")

	if err := e.StartCapture(Options{QueueSize: 4, EnablePreview: true}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	src := f.Sources()[0]

	// Frame 1 is consumed at load 0: preview shown, writer blocks.
	src.Emit(100, []byte("f1"))
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never saw frame 1")
	}

	// Queue up frames 2..4 while the writer is blocked.
	src.Emit(200, []byte("f2"))
	src.Emit(300, []byte("f3"))
	src.Emit(400, []byte("f4"))

	// Release the writer; frame 2 is dequeued at load 2 and must skip
	// preview, frames 3 and 4 at loads 1 and 0 get it again.
	for i := 0; i < 4; i++ {
		w.gate <- struct{}{}
	}
	waitUntil(t, "all frames written", func() bool {
		return len(w.frames()) == 4
	})
	e.StopCapture()

	got := surface.frames()
	want := []int64{100, 300, 400}
	if len(got) != len(want) {
		t.Fatalf("preview saw pts %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("preview saw pts %v, want %v", got, want)
		}
	}
	if len(w.frames()) != 4 {
		t.Errorf("writer saw %d frames, want all 4", len(w.frames()))
	}
}

func TestSetDeviceWhileCapturingFails(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})
	e.SetDevice("mock0")
	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	defer e.StopCapture()

	if err := e.SetDevice("mock1"); err == nil {
		t.Fatal("SetDevice succeeded during capture")
	}
	if err := e.SetPreviewWindow(&recordSurface{}); err == nil {
		t.Fatal("SetPreviewWindow succeeded during capture")
	}
}

func TestEmptyDeviceNameRejected(t *testing.T) {
	e := newTestEngine(t, &source.MockFactory{Manual: true}, &recordSink{})
	if err := e.SetDevice(""); err == nil {
		t.Fatal("SetDevice accepted an empty name")
	}
	if !strings.Contains(e.LastError(), "empty") {
		t.Errorf("LastError = %q", e.LastError())
	}
}

func TestWriterFailureRollsBackStart(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := NewEngine(f)
	e.newWriter = func(cfg sink.WriterConfig) (sink.Sink, error) {
		return nil, errors.New("disk full")
	}
	e.SetDevice("mock0")

	err := e.StartCapture(Options{})
	if err == nil {
		t.Fatal("StartCapture succeeded despite writer failure")
	}
	if !strings.Contains(e.LastError(), "disk full") {
		t.Errorf("LastError = %q", e.LastError())
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle after rollback", e.State())
	}
	if !f.Sources()[0].Closed() {
		t.Error("source leaked by rollback")
	}
}

func TestOpenFailureLeavesIdle(t *testing.T) {
	f := &source.MockFactory{Manual: true, OpenErr: errors.New("device busy")}
	e := newTestEngine(t, f, &recordSink{})
	e.SetDevice("mock0")

	if err := e.StartCapture(Options{}); err == nil {
		t.Fatal("StartCapture succeeded despite open failure")
	}
	if !strings.Contains(e.LastError(), "device busy") {
		t.Errorf("LastError = %q", e.LastError())
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}
}

func TestInitializeFailureReported(t *testing.T) {
	f := &source.MockFactory{InitErr: errors.New("backend unavailable")}
	e := newTestEngine(t, f, &recordSink{})
	if err := e.Initialize(); err == nil {
		t.Fatal("Initialize succeeded despite backend failure")
	}
	if !strings.Contains(e.LastError(), "backend unavailable") {
		t.Errorf("LastError = %q", e.LastError())
	}
}

func TestConcurrentStartAdmitsExactlyOne(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})
	e.SetDevice("mock0")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.StartCapture(Options{})
		}()
	}
	wg.Wait()
	close(results)

	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("concurrent Start: %d succeeded, %d failed; want 1/1", ok, failed)
	}
	e.StopCapture()
	if e.State() != StateIdle {
		t.Errorf("state = %v after Stop", e.State())
	}
}

func TestShutdownReleasesBackend(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})
	e.SetDevice("mock0")
	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	e.Shutdown()

	if e.State() != StateIdle {
		t.Errorf("state = %v after Shutdown", e.State())
	}
	if f.ReleaseCalls() != 1 {
		t.Errorf("Release called %d times, want 1", f.ReleaseCalls())
	}
	// The engine is reusable after Shutdown: Initialize re-acquires.
	if err := e.Initialize(); err != nil {
		t.Fatalf("re-Initialize failed: %v", err)
	}
	if f.InitCalls() != 2 {
		t.Errorf("Init called %d times, want 2", f.InitCalls())
	}
}

func TestSessionEventsEmitted(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})

	var mu sync.Mutex
	var events []types.SessionEvent
	e.SetEventHook(func(ev types.SessionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	e.SetDevice("mock0")

	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	e.StopCapture()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want started+stopped", len(events))
	}
	if events[0].Type != types.EventCaptureStarted || events[1].Type != types.EventCaptureStopped {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].SessionID == "" || events[0].SessionID != events[1].SessionID {
		t.Errorf("session id missing or inconsistent: %q vs %q",
			events[0].SessionID, events[1].SessionID)
	}
	if events[0].Device != "mock0" {
		t.Errorf("event device = %q", events[0].Device)
	}
}

func TestStoppedEventCarriesEndedSession(t *testing.T) {
	// A new capture can start while the previous stop is still delivering
	// its event. The stopped event must carry the session it ended, not
	// whatever session identity the engine holds at delivery time.
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})

	var mu sync.Mutex
	startedAt := make(map[string]int) // session id -> started events seen
	stoppedAt := make(map[string]int)
	e.SetEventHook(func(ev types.SessionEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case types.EventCaptureStarted:
			startedAt[ev.SessionID]++
		case types.EventCaptureStopped:
			stoppedAt[ev.SessionID]++
		}
	})
	e.SetDevice("mock0")

	for i := 0; i < 25; i++ {
		if err := e.StartCapture(Options{}); err != nil {
			t.Fatalf("cycle %d: StartCapture failed: %v", i, err)
		}

		stopDone := make(chan struct{})
		go func() {
			e.StopCapture()
			close(stopDone)
		}()
		// Race a restart against the stop's event delivery. Retries cover
		// the window where the session is still stopping.
		for e.StartCapture(Options{}) != nil {
			time.Sleep(100 * time.Microsecond)
		}
		<-stopDone
		e.StopCapture()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(startedAt) != 50 {
		t.Fatalf("saw %d distinct sessions, want 50", len(startedAt))
	}
	for id, n := range startedAt {
		if n != 1 {
			t.Errorf("session %s started %d times", id, n)
		}
		if stoppedAt[id] != 1 {
			t.Errorf("session %s has %d stopped events, want 1", id, stoppedAt[id])
		}
	}
	for id := range stoppedAt {
		if startedAt[id] == 0 {
			t.Errorf("stopped event for session %s that never started", id)
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := &source.MockFactory{Manual: true}
	e := newTestEngine(t, f, &recordSink{})
	e.SetDevice("mock0")

	s := e.Status()
	if s.State != "idle" || s.Device != "mock0" {
		t.Errorf("idle status = %+v", s)
	}

	if err := e.StartCapture(Options{}); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	s = e.Status()
	if s.State != "capturing" || s.SessionID == "" {
		t.Errorf("capturing status = %+v", s)
	}
	e.StopCapture()
}

func TestFullSessionWithRealWriter(t *testing.T) {
	// End-to-end: default writer, real files, manifest verified.
	dir := t.TempDir()
	f := &source.MockFactory{Manual: true}
	e := NewEngine(f)
	e.SetDevice("mock0")

	err := e.StartCapture(Options{
		OutputDirectory: filepath.Join(dir, "tapes", "deck1"),
		FileBaseName:    "clip",
		TimestampFormat: "%Y%m%d",
		QueueSize:       8,
	})
	if err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	src := f.Sources()[0]
	for i := 0; i < 3; i++ {
		src.Emit(int64(i)*400_000, []byte(fmt.Sprintf("frame-%d", i)))
	}
	waitUntil(t, "frames written", func() bool {
		return e.Status().FramesWritten == 3
	})
	e.StopCapture()

	clips, err := filepath.Glob(filepath.Join(dir, "tapes", "deck1", "clip_*.dv"))
	if err != nil || len(clips) != 1 {
		t.Fatalf("expected one clip, got %v (err=%v)", clips, err)
	}
	_, entries, err := sink.ReadManifest(clips[0] + ".idx")
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("manifest has %d entries, want 3", len(entries))
	}
}
