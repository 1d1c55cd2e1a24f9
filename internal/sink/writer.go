package sink

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/visiona/dvbridge/internal/types"
)

// WriterConfig describes one clip to be written. BasePath is the normalized
// output prefix (directory plus base filename, no extension).
type WriterConfig struct {
	BasePath        string
	TimestampFormat string // strftime syntax, e.g. "%Y%m%d_%H%M%S"
	NumericDigits   int    // zero-padded clip suffix width; 0 = no suffix
	Container       bool   // write a container clip (.avi) instead of a raw stream (.dv)
	SessionID       string
	Device          string
	StartedAt       time.Time
	Profile         types.MediaProfile
}

// Writer is the persistent sink for one capture session. It appends frame
// payloads to the clip file and streams a frame index to a msgpack sidecar
// next to it. Close finalizes both; the writer is single-use.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	bw       *bufio.Writer
	manifest *manifestWriter
	path     string
	offset   int64
	seq      uint64
	closed   bool
}

// NewWriter opens the clip and its sidecar. The clip name is
// <base>_<timestamp>[_<suffix>].<ext>, timestamp rendered with the
// platform-time-format pattern from the config.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	pattern, err := strftime.New(cfg.TimestampFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp format %q: %w", cfg.TimestampFormat, err)
	}

	name := cfg.BasePath + "_" + pattern.FormatString(cfg.StartedAt)
	if cfg.NumericDigits > 0 {
		name = fmt.Sprintf("%s_%0*d", name, cfg.NumericDigits, 1)
	}
	ext := ".dv"
	if cfg.Container {
		ext = ".avi"
	}
	path := name + ext

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create clip %s: %w", path, err)
	}

	manifest, err := newManifestWriter(path+".idx", ManifestHeader{
		SessionID:  cfg.SessionID,
		Device:     cfg.Device,
		CreatedAt:  cfg.StartedAt,
		Container:  cfg.Container,
		SampleSize: cfg.Profile.SampleSize,
		Format:     cfg.Profile.Format,
	})
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	slog.Info("clip writer opened", "path", path, "session_id", cfg.SessionID)

	return &Writer{
		file:     file,
		bw:       bufio.NewWriterSize(file, 1<<20),
		manifest: manifest,
		path:     path,
	}, nil
}

// Path returns the clip file path.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) HandleFrame(pts int64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := w.manifest.add(IndexEntry{
		Seq:    w.seq,
		PTS:    pts,
		Offset: w.offset,
		Size:   int32(len(data)),
	}); err != nil {
		return err
	}
	w.offset += int64(len(data))
	w.seq++
	return nil
}

// Close flushes and finalizes the clip and its sidecar. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.bw.Flush(); err != nil {
		firstErr = fmt.Errorf("flush clip: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close clip: %w", err)
	}
	if err := w.manifest.close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close manifest: %w", err)
	}

	slog.Info("clip writer closed", "path", w.path, "frames", w.seq, "bytes", w.offset)
	return firstErr
}
