package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/visiona/dvbridge/internal/capture"
)

// Config represents the complete dvbridge daemon configuration
type Config struct {
	InstanceID string        `yaml:"instance_id"`
	Device     string        `yaml:"device"`
	Source     SourceConfig  `yaml:"source"`
	Capture    CaptureConfig `yaml:"capture"`
	Preview    PreviewConfig `yaml:"preview"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
}

// SourceConfig selects and tunes the capture backend
type SourceConfig struct {
	Backend string  `yaml:"backend"` // gstreamer, webcam, mock
	Element string  `yaml:"element"` // GStreamer source element (default: dv1394src)
	Norm    string  `yaml:"norm"`    // pal, ntsc
	Width   int     `yaml:"width"`   // webcam capture width
	Height  int     `yaml:"height"`  // webcam capture height
	FPS     float64 `yaml:"fps"`     // webcam capture rate
}

// CaptureConfig contains per-session recording settings
type CaptureConfig struct {
	OutputDirectory     string `yaml:"output_directory"`
	FileBaseName        string `yaml:"file_base_name"`
	TimestampFormat     string `yaml:"timestamp_format"` // strftime syntax
	NumericSuffixDigits int    `yaml:"numeric_suffix_digits"`
	ContainerFile       bool   `yaml:"container_file"` // .avi container instead of raw .dv
	EnablePreview       bool   `yaml:"enable_preview"`
	QueueSize           int    `yaml:"queue_size"`
}

// PreviewConfig contains the preview streaming endpoint settings
type PreviewConfig struct {
	Listen string `yaml:"listen"` // host:port for the websocket preview hub; empty disables it
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string     `yaml:"broker"`
	Topics MQTTTopics `yaml:"topics"`
	QoS    byte       `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Options maps the capture section onto session options.
func (c *Config) Options() capture.Options {
	return capture.Options{
		OutputDirectory:     c.Capture.OutputDirectory,
		FileBaseName:        c.Capture.FileBaseName,
		TimestampFormat:     c.Capture.TimestampFormat,
		NumericSuffixDigits: c.Capture.NumericSuffixDigits,
		ContainerFile:       c.Capture.ContainerFile,
		EnablePreview:       c.Capture.EnablePreview,
		QueueSize:           c.Capture.QueueSize,
	}
}
