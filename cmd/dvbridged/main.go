package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visiona/dvbridge/internal/capture"
	"github.com/visiona/dvbridge/internal/config"
	"github.com/visiona/dvbridge/internal/control"
	"github.com/visiona/dvbridge/internal/emitter"
	"github.com/visiona/dvbridge/internal/sink"
	"github.com/visiona/dvbridge/internal/source"
	"github.com/visiona/dvbridge/internal/types"
)

const defaultConfigPath = "config/dvbridge.yaml"

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:          "dvbridged",
		Short:        "DV capture session daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List available capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// buildFactory selects the capture backend from the source section.
func buildFactory(cfg *config.Config) (source.Factory, error) {
	switch cfg.Source.Backend {
	case "gstreamer":
		f := source.NewGstFactory()
		if cfg.Source.Element != "" {
			f.Element = cfg.Source.Element
		}
		f.Norm = cfg.Source.Norm
		return f, nil
	case "webcam":
		return &source.WebcamFactory{
			Width:  cfg.Source.Width,
			Height: cfg.Source.Height,
			FPS:    int(cfg.Source.FPS),
		}, nil
	case "mock":
		return source.NewMockFactory(), nil
	default:
		return nil, fmt.Errorf("unknown source backend %q", cfg.Source.Backend)
	}
}

func listDevices(cmd *cobra.Command) error {
	setupLogging()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	factory, err := buildFactory(cfg)
	if err != nil {
		return err
	}
	engine := capture.NewEngine(factory)
	defer engine.Shutdown()

	devices, err := engine.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Fprintln(cmd.OutOrStdout(), d)
	}
	return nil
}

func run() error {
	setupLogging()

	slog.Info("starting dvbridge daemon",
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	factory, err := buildFactory(cfg)
	if err != nil {
		return err
	}

	engine := capture.NewEngine(factory)
	if err := engine.Initialize(); err != nil {
		slog.Error("failed to initialize capture backend", "error", err)
		return err
	}
	if cfg.Device != "" {
		if err := engine.SetDevice(cfg.Device); err != nil {
			slog.Error("failed to set capture device", "error", err, "device", cfg.Device)
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Preview hub: websocket fan-out of live frames, enabled by config.
	var hub *sink.PreviewHub
	var previewSrv *http.Server
	if cfg.Preview.Listen != "" {
		hub = sink.NewPreviewHub()
		if err := engine.SetPreviewWindow(hub); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/preview", hub)
		previewSrv = &http.Server{Addr: cfg.Preview.Listen, Handler: mux}
		go func() {
			slog.Info("preview hub listening", "addr", cfg.Preview.Listen)
			if err := previewSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("preview server failed", "error", err)
			}
		}()
	}

	// Event plane.
	em := emitter.NewMQTTEmitter(cfg)
	if err := em.Connect(ctx); err != nil {
		slog.Error("failed to connect to mqtt broker", "error", err)
		return err
	}
	defer em.Disconnect()

	if err := engine.SetEventHook(func(ev types.SessionEvent) {
		if err := em.PublishEvent(ev); err != nil {
			slog.Warn("failed to publish session event", "error", err, "type", ev.Type)
		}
	}); err != nil {
		slog.Error("failed to register event hook", "error", err)
		return err
	}

	// Control plane.
	shutdownCh := make(chan struct{}, 1)
	handler := control.NewHandler(cfg, em.Client, control.CommandCallbacks{
		OnStartCapture: engine.StartCapture,
		OnStopCapture: func() error {
			engine.StopCapture()
			return nil
		},
		OnGetStatus:   engine.Status,
		OnSetDevice:   engine.SetDevice,
		OnListDevices: engine.Devices,
		OnShutdown: func() error {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err := handler.Start(ctx); err != nil {
		slog.Error("failed to start control plane", "error", err)
		return err
	}

	// Periodic status line while a session is active.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s := engine.Status(); s.State != "idle" {
					slog.Info("capture status",
						"state", s.State,
						"session_id", s.SessionID,
						"frames_written", s.FramesWritten,
						"queue_load", s.QueueLoad,
						"queue_dropped", s.QueueDropped,
					)
				}
			}
		}
	}()

	slog.Info("dvbridge daemon ready",
		"instance_id", cfg.InstanceID,
		"device", cfg.Device,
		"backend", cfg.Source.Backend,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-shutdownCh:
		slog.Info("shutdown requested via control plane")
	}

	// Graceful shutdown: stop command intake, drain the session, then tear
	// down the preview endpoint.
	cancel()
	if err := handler.Stop(); err != nil {
		slog.Warn("control plane stop failed", "error", err)
	}
	engine.Shutdown()

	if previewSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := previewSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("preview server shutdown failed", "error", err)
		}
		hub.Close()
	}

	slog.Info("dvbridge daemon stopped")
	return nil
}
