package capture

import (
	"os"
	"strings"
)

const (
	// DefaultQueueSize bounds producer memory growth when the caller does
	// not size the queue.
	DefaultQueueSize = 120

	defaultBaseName        = "capture"
	defaultTimestampFormat = "%Y%m%d_%H%M%S"

	// minSampleSize floors the sample size negotiated with the capture
	// source so downstream buffers are sufficient regardless of what the
	// source reports. One PAL DV frame is 144000 bytes.
	minSampleSize = 144000
)

// Options are the caller-supplied capture options. All fields are optional;
// normalization applies the documented defaults.
type Options struct {
	OutputDirectory     string
	FileBaseName        string
	TimestampFormat     string // strftime syntax
	NumericSuffixDigits int
	ContainerFile       bool
	EnablePreview       bool
	QueueSize           int
}

// normalizedOptions is the immutable per-session configuration derived from
// Options at start time.
type normalizedOptions struct {
	basePath        string
	timestampFormat string
	numericDigits   int
	containerFile   bool
	enablePreview   bool
	queueSize       int
}

// normalize resolves defaults: suffix width below 1 means no suffix, queue
// capacity below 1 falls back to DefaultQueueSize, empty base name and
// timestamp format fall back to fixed defaults, and the output directory
// gains a trailing separator if absent.
func normalize(opts Options) normalizedOptions {
	n := normalizedOptions{
		enablePreview:   opts.EnablePreview,
		containerFile:   opts.ContainerFile,
		timestampFormat: opts.TimestampFormat,
		numericDigits:   opts.NumericSuffixDigits,
		queueSize:       opts.QueueSize,
	}

	if n.numericDigits < 1 {
		n.numericDigits = 0
	}
	if n.queueSize < 1 {
		n.queueSize = DefaultQueueSize
	}
	if n.timestampFormat == "" {
		n.timestampFormat = defaultTimestampFormat
	}

	base := opts.OutputDirectory
	if base != "" && !strings.HasSuffix(base, "/") && !strings.HasSuffix(base, string(os.PathSeparator)) {
		base += string(os.PathSeparator)
	}
	if opts.FileBaseName != "" {
		base += opts.FileBaseName
	} else {
		base += defaultBaseName
	}
	n.basePath = base

	return n
}
