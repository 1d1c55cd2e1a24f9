package source

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/x264"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // register camera driver
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/visiona/dvbridge/internal/types"
)

// webcamChunkSize bounds a single encoded read; chunks larger than one DV
// frame never occur at the configured bitrates.
const webcamChunkSize = 1 << 20

// WebcamFactory opens camera devices through pion mediadevices and delivers
// an H.264 elementary stream as the frame payload.
type WebcamFactory struct {
	Width   int // default 720
	Height  int // default 576
	FPS     int // default 25
	BitRate int // default 4_000_000
}

// NewWebcamFactory returns a factory with PAL-shaped defaults.
func NewWebcamFactory() *WebcamFactory {
	return &WebcamFactory{}
}

// Init is a no-op: the camera driver registers itself on import.
func (f *WebcamFactory) Init() error { return nil }

func (f *WebcamFactory) Devices() ([]string, error) {
	var names []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			names = append(names, d.Label)
		}
	}
	return names, nil
}

func (f *WebcamFactory) Open(name string) (Source, error) {
	width, height, fps, bitrate := f.Width, f.Height, f.FPS, f.BitRate
	if width <= 0 {
		width = 720
	}
	if height <= 0 {
		height = 576
	}
	if fps <= 0 {
		fps = 25
	}
	if bitrate <= 0 {
		bitrate = 4_000_000
	}

	params, err := x264.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create x264 params: %w", err)
	}
	params.BitRate = bitrate
	params.Preset = x264.PresetUltrafast
	params.KeyFrameInterval = fps * 2

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(int32(width))
			c.Height = prop.Int(int32(height))
			if name != "" {
				c.DeviceID = prop.String(name)
			}
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&params),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("open camera %q: %w", name, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("camera %q produced no video track", name)
	}

	return &webcamSource{
		device: name,
		stream: stream,
		track:  tracks[0],
		profile: types.MediaProfile{
			SampleSize: webcamChunkSize,
			FrameRate:  float64(fps),
			Format:     "h264",
		},
		stopCh: make(chan struct{}),
	}, nil
}

func (f *WebcamFactory) Release() {}

type webcamSource struct {
	device  string
	stream  mediadevices.MediaStream
	track   mediadevices.Track
	profile types.MediaProfile

	mu      sync.Mutex
	running bool
	closed  bool
	stopped bool
	stopCh  chan struct{}
	reader  io.ReadCloser
	wg      sync.WaitGroup
}

func (s *webcamSource) Profile() (types.MediaProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.MediaProfile{}, fmt.Errorf("webcam source closed")
	}
	return s.profile, nil
}

func (s *webcamSource) Run(h types.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("webcam source closed")
	}
	if s.running {
		return fmt.Errorf("webcam source already running")
	}

	reader, err := s.track.NewEncodedIOReader("h264")
	if err != nil {
		return fmt.Errorf("create encoded reader: %w", err)
	}
	s.reader = reader
	s.running = true

	s.wg.Add(1)
	go s.deliver(reader, h)

	slog.Info("webcam source running", "device", s.device, "track", s.track.ID())
	return nil
}

func (s *webcamSource) deliver(reader io.ReadCloser, h types.FrameHandler) {
	defer s.wg.Done()

	buf := make([]byte, webcamChunkSize)
	start := time.Now()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := reader.Read(buf)
		if err != nil {
			if err != io.EOF {
				slog.Warn("webcam source read failed", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		pts := time.Since(start).Nanoseconds() / 100
		h.HandleFrame(pts, buf[:n])
	}
}

func (s *webcamSource) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	reader := s.reader
	s.mu.Unlock()

	// Closing the reader unblocks a pending Read.
	if reader != nil {
		reader.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *webcamSource) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
	return nil
}
