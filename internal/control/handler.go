// Package control implements the MQTT control plane: a JSON command topic
// driving the capture session and a response stream acknowledging each
// command.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visiona/dvbridge/internal/capture"
	"github.com/visiona/dvbridge/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStartCapture func(capture.Options) error
	OnStopCapture  func() error
	OnGetStatus    func() capture.Status
	OnSetDevice    func(string) error
	OnListDevices  func() ([]string, error)
	OnShutdown     func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks

	// respond delivers a command response; overridable in tests.
	respond func(Response)
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	h := &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
	h.respond = h.sendResponse
	return h
}

// Start subscribes to the control topic and begins processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.respond(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "start_capture":
		if h.callbacks.OnStartCapture != nil {
			opts := optionsFromParams(h.cfg.Options(), cmd.Params)
			if err := h.callbacks.OnStartCapture(opts); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"capture_active": true,
					"queue_size":     opts.QueueSize,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "start_capture not implemented"
		}

	case "stop_capture":
		if h.callbacks.OnStopCapture != nil {
			if err := h.callbacks.OnStopCapture(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"capture_active": false,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "stop_capture not implemented"
		}

	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			s := h.callbacks.OnGetStatus()
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"state":          s.State,
				"device":         s.Device,
				"session_id":     s.SessionID,
				"frames_written": s.FramesWritten,
				"queue_load":     s.QueueLoad,
				"queue_dropped":  s.QueueDropped,
			}
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "set_device":
		if h.callbacks.OnSetDevice != nil {
			device, ok := cmd.Params["device"].(string)
			if !ok {
				resp.Status = "error"
				resp.Error = "missing or invalid 'device' parameter (expected string)"
			} else if err := h.callbacks.OnSetDevice(device); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"device": device,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "set_device not implemented"
		}

	case "list_devices":
		if h.callbacks.OnListDevices != nil {
			devices, err := h.callbacks.OnListDevices()
			if err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"devices": devices,
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "list_devices not implemented"
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
			}
			// Send response BEFORE triggering shutdown
			h.respond(resp)

			go func() {
				time.Sleep(500 * time.Millisecond)
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return
		}
		resp.Status = "error"
		resp.Error = "shutdown not implemented"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.respond(resp)
}

// optionsFromParams overlays command parameters onto the configured capture
// defaults. Unknown keys are ignored; JSON numbers arrive as float64.
func optionsFromParams(opts capture.Options, params map[string]interface{}) capture.Options {
	if v, ok := params["output_directory"].(string); ok {
		opts.OutputDirectory = v
	}
	if v, ok := params["file_base_name"].(string); ok {
		opts.FileBaseName = v
	}
	if v, ok := params["timestamp_format"].(string); ok {
		opts.TimestampFormat = v
	}
	if v, ok := params["numeric_suffix_digits"].(float64); ok {
		opts.NumericSuffixDigits = int(v)
	}
	if v, ok := params["container_file"].(bool); ok {
		opts.ContainerFile = v
	}
	if v, ok := params["enable_preview"].(bool); ok {
		opts.EnablePreview = v
	}
	if v, ok := params["queue_size"].(float64); ok {
		opts.QueueSize = int(v)
	}
	return opts
}

// sendResponse publishes a response to the events topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Events
	qos := h.cfg.MQTT.QoS

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
