package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Validate source backend
	switch cfg.Source.Backend {
	case "":
		cfg.Source.Backend = "gstreamer"
	case "gstreamer", "webcam", "mock":
	default:
		return fmt.Errorf("source.backend must be gstreamer, webcam or mock, got %q", cfg.Source.Backend)
	}

	switch cfg.Source.Norm {
	case "":
		cfg.Source.Norm = "pal"
	case "pal", "ntsc":
	default:
		return fmt.Errorf("source.norm must be pal or ntsc, got %q", cfg.Source.Norm)
	}

	if cfg.Source.Backend == "webcam" {
		if cfg.Source.Width <= 0 {
			cfg.Source.Width = 720
		}
		if cfg.Source.Height <= 0 {
			cfg.Source.Height = 576
		}
		if cfg.Source.FPS <= 0 {
			cfg.Source.FPS = 25
		}
	}

	// Validate capture settings
	if cfg.Capture.QueueSize < 0 {
		return fmt.Errorf("capture.queue_size must be >= 0")
	}
	if cfg.Capture.NumericSuffixDigits > 9 {
		return fmt.Errorf("capture.numeric_suffix_digits must be <= 9")
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("dvbridge/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("dvbridge/events/%s", cfg.InstanceID)
	}

	return nil
}
