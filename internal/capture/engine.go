// Package capture implements the capture session lifecycle controller: the
// state machine governing session transitions, the shutdown protocol, and
// the consumer loop fanning frames out to the preview and writer sinks.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/dvbridge/internal/queue"
	"github.com/visiona/dvbridge/internal/sink"
	"github.com/visiona/dvbridge/internal/source"
	"github.com/visiona/dvbridge/internal/types"
)

// State of the capture session machine. There is no terminal state; the
// machine is reusable across repeated start/stop cycles.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State         string `json:"state"`
	Device        string `json:"device"`
	SessionID     string `json:"session_id,omitempty"`
	FramesWritten uint64 `json:"frames_written"`
	QueueLoad     int    `json:"queue_load"`
	QueueDropped  uint64 `json:"queue_dropped"`
}

// Engine is the capture session controller. All mutating operations
// serialize through its mutex; the state flag is atomic so status queries
// stay lock-free. Engine implements types.FrameHandler, receiving frames
// from the capture source's delivery goroutine.
type Engine struct {
	mu    sync.Mutex
	state atomic.Int32

	factory     source.Factory
	initialized bool

	device  string
	surface sink.PreviewSurface

	// Per-session collaborators, created on StartCapture, destroyed on
	// StopCapture, owned exclusively by the controller.
	src       source.Source
	q         *queue.Queue
	monitor   sink.Sink
	writer    sink.Sink
	opts      normalizedOptions
	sessionID string
	done      chan struct{}

	// frames is the producer-visible queue handle. It is published after
	// construction and retired before the source stops, so no frame can
	// reach a consumer after teardown begins.
	frames atomic.Pointer[queue.Queue]

	framesWritten atomic.Uint64

	errMu   sync.RWMutex
	lastErr string

	onEvent func(types.SessionEvent)

	// Overridable sink constructors; tests substitute failing or recording
	// sinks here.
	newWriter  func(sink.WriterConfig) (sink.Sink, error)
	newPreview func(sink.PreviewSurface, types.MediaProfile) (sink.Sink, error)
}

// NewEngine creates an idle engine backed by the given source factory.
func NewEngine(factory source.Factory) *Engine {
	e := &Engine{factory: factory}
	e.newWriter = func(cfg sink.WriterConfig) (sink.Sink, error) {
		return sink.NewWriter(cfg)
	}
	e.newPreview = func(s sink.PreviewSurface, p types.MediaProfile) (sink.Sink, error) {
		return sink.NewPreview(s, p)
	}
	return e
}

// State returns the current session state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsCapturing reports whether frames are currently flowing.
func (e *Engine) IsCapturing() bool {
	return e.State() == StateCapturing
}

// LastError returns the most recently recorded error message.
func (e *Engine) LastError() string {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	return e.lastErr
}

func (e *Engine) setError(msg string) {
	e.errMu.Lock()
	e.lastErr = msg
	e.errMu.Unlock()
}

// fail records msg in the last-error slot and returns it as an error.
func (e *Engine) fail(msg string) error {
	e.setError(msg)
	return errors.New(msg)
}

func (e *Engine) failErr(err error) error {
	e.setError(err.Error())
	return err
}

// SetEventHook registers a callback for session lifecycle events. Only
// valid while idle.
func (e *Engine) SetEventHook(fn func(types.SessionEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateIdle {
		return e.fail("cannot change event hook while a capture is running")
	}
	e.onEvent = fn
	return nil
}

// eventLocked snapshots the session identity into an event while the caller
// holds e.mu, so delivery after unlock cannot observe a successor session's
// fields. The hook is returned alongside for the same reason.
func (e *Engine) eventLocked(typ, msg string) (func(types.SessionEvent), types.SessionEvent) {
	return e.onEvent, types.SessionEvent{
		Type:          typ,
		SessionID:     e.sessionID,
		Device:        e.device,
		Timestamp:     time.Now(),
		Message:       msg,
		FramesWritten: e.framesWritten.Load(),
	}
}

// emit builds and delivers an event from outside the lock. Used by the
// consumer goroutine; lifecycle operations snapshot with eventLocked while
// they already hold the lock.
func (e *Engine) emit(typ, msg string) {
	e.mu.Lock()
	hook, ev := e.eventLocked(typ, msg)
	e.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

// Initialize idempotently prepares the process-wide backend resources
// needed before any device or session work.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if err := e.factory.Init(); err != nil {
		return e.failErr(fmt.Errorf("initialize capture backend: %w", err))
	}
	e.initialized = true
	return nil
}

// SetSourceFactory replaces the source backend. Only valid while idle and
// before Initialize.
func (e *Engine) SetSourceFactory(f source.Factory) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateIdle {
		return e.fail("cannot change source backend while a capture is running")
	}
	if e.initialized {
		return e.fail("cannot change source backend after initialization")
	}
	e.factory = f
	return nil
}

// SetDevice stores the device identifier used by the next StartCapture.
func (e *Engine) SetDevice(name string) error {
	if name == "" {
		return e.fail("capture device name must not be empty")
	}
	if err := e.Initialize(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateIdle {
		return e.fail("cannot change device while a capture is running")
	}
	e.device = name
	return nil
}

// SetPreviewWindow stores the preview surface used by the next
// StartCapture.
func (e *Engine) SetPreviewWindow(surface sink.PreviewSurface) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() == StateCapturing {
		return e.fail("cannot change preview window while a capture is running")
	}
	e.surface = surface
	return nil
}

// Devices lists the capture devices available from the configured backend.
func (e *Engine) Devices() ([]string, error) {
	if err := e.Initialize(); err != nil {
		return nil, err
	}
	return e.factory.Devices()
}

// StartCapture normalizes options, prepares the output directory chain,
// constructs the session collaborators, begins frame delivery, and spawns
// the consumer loop. On any failure every partially constructed
// collaborator is torn down and the state returns to idle.
func (e *Engine) StartCapture(opts Options) error {
	if err := e.Initialize(); err != nil {
		return err
	}

	e.mu.Lock()
	err := e.startLocked(opts)
	var hook func(types.SessionEvent)
	var ev types.SessionEvent
	if err == nil {
		hook, ev = e.eventLocked(types.EventCaptureStarted, "")
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (e *Engine) startLocked(opts Options) error {
	if e.State() != StateIdle {
		return e.fail("capture already running")
	}
	if e.device == "" {
		return e.fail("no capture device configured")
	}

	norm := normalize(opts)
	if err := ensureDirectories(norm.basePath); err != nil {
		return e.failErr(fmt.Errorf("prepare output directory: %w", err))
	}

	started := time.Now()
	sessionID := uuid.NewString()

	src, err := e.factory.Open(e.device)
	if err != nil {
		return e.failErr(fmt.Errorf("open capture device %q: %w", e.device, err))
	}
	e.src = src

	profile, err := src.Profile()
	if err != nil {
		e.abortLocked()
		return e.failErr(fmt.Errorf("negotiate media profile: %w", err))
	}
	if profile.SampleSize < minSampleSize {
		profile.SampleSize = minSampleSize
	}

	e.q = queue.New(norm.queueSize, profile.SampleSize)

	if norm.enablePreview && e.surface != nil {
		monitor, err := e.newPreview(e.surface, profile)
		if err != nil {
			e.abortLocked()
			return e.failErr(fmt.Errorf("construct preview renderer: %w", err))
		}
		e.monitor = monitor
	}

	writer, err := e.newWriter(sink.WriterConfig{
		BasePath:        norm.basePath,
		TimestampFormat: norm.timestampFormat,
		NumericDigits:   norm.numericDigits,
		Container:       norm.containerFile,
		SessionID:       sessionID,
		Device:          e.device,
		StartedAt:       started,
		Profile:         profile,
	})
	if err != nil {
		e.abortLocked()
		return e.failErr(fmt.Errorf("open clip writer: %w", err))
	}
	e.writer = writer

	e.opts = norm
	e.sessionID = sessionID
	e.framesWritten.Store(0)
	e.frames.Store(e.q)

	if err := src.Run(e); err != nil {
		e.abortLocked()
		return e.failErr(fmt.Errorf("start frame delivery: %w", err))
	}

	e.state.Store(int32(StateCapturing))
	e.done = make(chan struct{})
	go e.consumeLoop(e.q, e.monitor, e.writer, e.opts, e.done)

	slog.Info("capture started",
		"session_id", sessionID,
		"device", e.device,
		"queue_size", norm.queueSize,
		"sample_size", profile.SampleSize,
		"preview", e.monitor != nil,
	)
	return nil
}

// abortLocked rolls back a partially constructed session: delivery stopped
// first, then sinks in reverse construction order, then the queue and the
// device.
func (e *Engine) abortLocked() {
	e.frames.Store(nil)
	if e.src != nil {
		if err := e.src.Stop(); err != nil {
			slog.Warn("source stop failed during rollback", "error", err)
		}
	}
	if e.writer != nil {
		if err := e.writer.Close(); err != nil {
			slog.Warn("writer close failed during rollback", "error", err)
		}
		e.writer = nil
	}
	if e.monitor != nil {
		e.monitor.Close()
		e.monitor = nil
	}
	if e.q != nil {
		e.q.Close()
		e.q = nil
	}
	if e.src != nil {
		if err := e.src.Close(); err != nil {
			slog.Warn("source close failed during rollback", "error", err)
		}
		e.src = nil
	}
	e.done = nil
}

// StopCapture transitions to stopping, unblocks and joins the consumer
// goroutine, halts frame delivery, and destroys the session collaborators.
// A no-op on an idle session.
func (e *Engine) StopCapture() {
	e.mu.Lock()
	if e.State() == StateIdle {
		e.mu.Unlock()
		return
	}
	e.state.Store(int32(StateStopping))

	var dropped uint64
	if e.q != nil {
		// Force-unblock a producer stuck in Put, then wake the consumer.
		e.q.Shutdown()
		e.q.PutSentinel()
	}
	done := e.done
	e.mu.Unlock()

	// Join the consumer goroutine without holding the session lock; the
	// join is bounded by in-flight fan-out work.
	if done != nil {
		<-done
	}

	e.mu.Lock()
	e.frames.Store(nil)
	if e.src != nil {
		if err := e.src.Stop(); err != nil {
			slog.Warn("source stop failed", "error", err)
		}
	}
	if e.writer != nil {
		if err := e.writer.Close(); err != nil {
			e.setError(fmt.Sprintf("finalize clip: %v", err))
			slog.Error("writer close failed", "error", err)
		}
		e.writer = nil
	}
	if e.monitor != nil {
		e.monitor.Close()
		e.monitor = nil
	}
	if e.q != nil {
		dropped = e.q.Dropped()
		e.q.Close()
		e.q = nil
	}
	if e.src != nil {
		if err := e.src.Close(); err != nil {
			slog.Warn("source close failed", "error", err)
		}
		e.src = nil
	}
	e.done = nil
	written := e.framesWritten.Load()
	sessionID := e.sessionID
	hook, ev := e.eventLocked(types.EventCaptureStopped, "")
	e.state.Store(int32(StateIdle))
	e.mu.Unlock()

	slog.Info("capture stopped",
		"session_id", sessionID,
		"frames_written", written,
		"dropped_during_stop", dropped,
	)
	if hook != nil {
		hook(ev)
	}
}

// Shutdown stops any active capture and releases the process-wide resources
// acquired by Initialize.
func (e *Engine) Shutdown() {
	e.StopCapture()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		e.factory.Release()
		e.initialized = false
	}
}

// Status returns a snapshot of the session.
func (e *Engine) Status() Status {
	s := Status{
		State:         e.State().String(),
		FramesWritten: e.framesWritten.Load(),
	}
	e.mu.Lock()
	s.Device = e.device
	s.SessionID = e.sessionID
	q := e.q
	e.mu.Unlock()
	if q != nil {
		s.QueueLoad = q.Load()
		s.QueueDropped = q.Dropped()
	}
	return s
}

// HandleFrame implements types.FrameHandler. It runs on the capture
// source's delivery goroutine and must never touch session state beyond the
// published queue handle.
func (e *Engine) HandleFrame(pts int64, data []byte) {
	q := e.frames.Load()
	if q == nil {
		return
	}
	q.Put(pts, data)
}
