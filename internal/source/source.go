// Package source defines the capture source contract and the available
// backends: gstreamer (DV/FireWire via GStreamer), webcam (pion
// mediadevices), and mock (synthetic frames for development and tests).
package source

import "github.com/visiona/dvbridge/internal/types"

// Source delivers frames from one opened capture device. A Source is owned
// exclusively by the session controller for the lifetime of one capture.
type Source interface {
	// Profile returns the media parameters negotiated with the device.
	Profile() (types.MediaProfile, error)

	// Run begins frame delivery. The handler is invoked from the source's
	// own delivery goroutine for every captured frame.
	Run(h types.FrameHandler) error

	// Stop halts frame delivery. Idempotent; no handler invocation happens
	// after Stop returns.
	Stop() error

	// Close releases the device. The source is unusable afterwards.
	Close() error
}

// Factory opens sources by device name and owns process-wide backend state.
type Factory interface {
	// Init prepares process-wide backend resources. Idempotent.
	Init() error

	// Devices lists the selectable capture device names.
	Devices() ([]string, error)

	// Open claims the named device.
	Open(name string) (Source, error)

	// Release frees the process-wide resources acquired by Init.
	Release()
}
