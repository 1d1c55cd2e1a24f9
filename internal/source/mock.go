package source

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/dvbridge/internal/types"
)

const (
	// DV PAL frame payload size and rate; the mock mimics a PAL camcorder.
	mockFrameSize = 144000
	mockFrameRate = 25.0
)

// MockFactory produces synthetic sources. The zero value is usable; fields
// tune frame geometry and failure injection for tests.
type MockFactory struct {
	FrameSize  int     // payload bytes per frame (default 144000)
	FrameRate  float64 // frames per second in auto mode (default 25)
	FrameLimit uint64  // stop emitting after this many frames; 0 = unlimited
	Manual     bool    // no delivery goroutine; frames injected via Emit

	InitErr error // returned by Init when set
	OpenErr error // returned by Open when set

	mu       sync.Mutex
	inits    int
	releases int
	sources  []*MockSource
}

// NewMockFactory returns a factory with PAL defaults.
func NewMockFactory() *MockFactory {
	return &MockFactory{}
}

func (f *MockFactory) Init() error {
	if f.InitErr != nil {
		return f.InitErr
	}
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	return nil
}

func (f *MockFactory) Devices() ([]string, error) {
	return []string{"mock0"}, nil
}

func (f *MockFactory) Open(name string) (Source, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	size := f.FrameSize
	if size <= 0 {
		size = mockFrameSize
	}
	rate := f.FrameRate
	if rate <= 0 {
		rate = mockFrameRate
	}
	s := &MockSource{
		device:    name,
		frameSize: size,
		rate:      rate,
		limit:     f.FrameLimit,
		manual:    f.Manual,
		stopCh:    make(chan struct{}),
	}
	f.mu.Lock()
	f.sources = append(f.sources, s)
	f.mu.Unlock()
	return s, nil
}

func (f *MockFactory) Release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

// InitCalls reports how many times Init succeeded.
func (f *MockFactory) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// ReleaseCalls reports how many times Release was invoked.
func (f *MockFactory) ReleaseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// Sources returns every source this factory has opened, in open order.
func (f *MockFactory) Sources() []*MockSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockSource(nil), f.sources...)
}

// MockSource emits synthetic DV-sized frames, either on a timer or, in
// manual mode, through Emit.
type MockSource struct {
	device    string
	frameSize int
	rate      float64
	limit     uint64
	manual    bool

	mu      sync.Mutex
	handler types.FrameHandler
	running bool
	closed  bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	emitted atomic.Uint64
}

func (s *MockSource) Profile() (types.MediaProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.MediaProfile{}, fmt.Errorf("mock source closed")
	}
	return types.MediaProfile{
		SampleSize: s.frameSize,
		FrameRate:  s.rate,
		Format:     "dv-pal",
	}, nil
}

func (s *MockSource) Run(h types.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock source closed")
	}
	if s.running {
		return fmt.Errorf("mock source already running")
	}
	s.handler = h
	s.running = true

	if !s.manual {
		s.wg.Add(1)
		go s.deliver(h)
	}
	return nil
}

// deliver pushes frames at the nominal rate, reusing one payload buffer the
// way real drivers reuse DMA buffers. The queue copies on Put.
func (s *MockSource) deliver(h types.FrameHandler) {
	defer s.wg.Done()

	interval := time.Duration(float64(time.Second) / s.rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, s.frameSize)
	ptsStep := int64(float64(types.TicksPerSecond) / s.rate)
	var pts int64

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			buf[0] = byte(pts) // make frames distinguishable
			h.HandleFrame(pts, buf)
			pts += ptsStep
			n := s.emitted.Add(1)
			if s.limit > 0 && n >= s.limit {
				slog.Debug("mock source reached frame limit", "frames", n)
				return
			}
		}
	}
}

// Emit hands one frame to the registered handler. Only valid in manual mode
// after Run.
func (s *MockSource) Emit(pts int64, data []byte) {
	s.mu.Lock()
	h := s.handler
	running := s.running
	s.mu.Unlock()
	if !running || h == nil {
		return
	}
	h.HandleFrame(pts, data)
	s.emitted.Add(1)
}

func (s *MockSource) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.handler = nil
	s.mu.Unlock()
	return nil
}

func (s *MockSource) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Emitted returns the number of frames handed to the handler so far.
func (s *MockSource) Emitted() uint64 {
	return s.emitted.Load()
}

// Closed reports whether Close has been called.
func (s *MockSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
