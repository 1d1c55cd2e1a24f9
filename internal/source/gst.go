package source

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/dvbridge/internal/types"
)

// DV frame payload sizes per video norm.
const (
	dvPALSampleSize  = 144000
	dvNTSCSampleSize = 120000
)

// GstFactory opens DV capture devices through GStreamer. The source element
// defaults to dv1394src (FireWire camcorders); Norm selects the video norm
// the profile is negotiated for.
type GstFactory struct {
	Element string // GStreamer source element, default "dv1394src"
	Norm    string // "pal" (default) or "ntsc"
}

// NewGstFactory returns a factory with PAL FireWire defaults.
func NewGstFactory() *GstFactory {
	return &GstFactory{}
}

func (f *GstFactory) element() string {
	if f.Element == "" {
		return "dv1394src"
	}
	return f.Element
}

// Init initializes the GStreamer runtime. Safe to call multiple times.
func (f *GstFactory) Init() error {
	gst.Init(nil)
	return nil
}

// Devices enumerates video sources by shelling out to
// gst-device-monitor-1.0, which ships with the GStreamer runtime this
// backend already requires. The Go bindings expose no device monitor.
func (f *GstFactory) Devices() ([]string, error) {
	out, err := exec.Command("gst-device-monitor-1.0", "Video/Source").Output()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices (gst-device-monitor-1.0): %w", err)
	}
	return parseDeviceMonitor(out), nil
}

// parseDeviceMonitor extracts display names from gst-device-monitor-1.0
// output. Each device block opens with a "name  : <display name>" line;
// property lines below it use "key = value" and never match.
func parseDeviceMonitor(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "name")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		name, ok := strings.CutPrefix(rest, ":")
		if !ok {
			continue
		}
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Open builds a <source> ! appsink pipeline for the named device. The
// pipeline stays in NULL state until Run.
func (f *GstFactory) Open(name string) (Source, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement(f.element())
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", f.element(), err)
	}
	// dv1394src selects devices by GUID; other elements take a device path.
	if guid, perr := strconv.ParseUint(name, 10, 64); perr == nil && f.element() == "dv1394src" {
		src.SetProperty("guid", guid)
	} else if f.element() != "dv1394src" {
		src.SetProperty("device", name)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("caps", gst.NewCapsFromString("video/x-dv,systemstream=true"))

	pipeline.AddMany(src, appsink.Element)
	if err := gst.ElementLinkMany(src, appsink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline elements: %w", err)
	}

	profile := types.MediaProfile{
		SampleSize: dvPALSampleSize,
		FrameRate:  25,
		Format:     "dv-pal",
	}
	if f.Norm == "ntsc" {
		profile = types.MediaProfile{
			SampleSize: dvNTSCSampleSize,
			FrameRate:  29.97,
			Format:     "dv-ntsc",
		}
	}

	return &gstSource{
		device:   name,
		pipeline: pipeline,
		appsink:  appsink,
		profile:  profile,
	}, nil
}

// Release is a no-op: the GStreamer runtime stays initialized for the
// process lifetime, matching gst.Init semantics.
func (f *GstFactory) Release() {}

type gstSource struct {
	device   string
	pipeline *gst.Pipeline
	appsink  *app.Sink
	profile  types.MediaProfile

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *gstSource) Profile() (types.MediaProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.MediaProfile{}, fmt.Errorf("gstreamer source closed")
	}
	return s.profile, nil
}

func (s *gstSource) Run(h types.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("gstreamer source closed")
	}
	if s.running {
		return fmt.Errorf("gstreamer source already running")
	}

	s.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, h)
		},
	})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	// Wait briefly for the pipeline to leave NULL; frame delivery begins
	// asynchronously once PLAYING is reached.
	bus := s.pipeline.GetPipelineBus()
	if msg := bus.TimedPop(5 * time.Second); msg != nil && msg.Type() == gst.MessageStateChanged {
		_, newState := msg.ParseStateChanged()
		slog.Debug("gst source state changed", "state", newState, "device", s.device)
	}

	s.running = true
	slog.Info("gst source running", "element", "appsink", "device", s.device, "format", s.profile.Format)
	return nil
}

// onNewSample pulls one sample from the appsink and hands its payload to the
// frame handler. A corrupt sample is skipped, never fatal.
func (s *gstSource) onNewSample(sink *app.Sink, h types.FrameHandler) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gst source: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gst source: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gst source: empty buffer")
		return gst.FlowOK
	}

	pts := buffer.PresentationTimestamp().Nanoseconds() / 100
	h.HandleFrame(pts, data)
	buffer.Unmap()

	return gst.FlowOK
}

func (s *gstSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	s.running = false
	return nil
}

func (s *gstSource) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
