// Package dvbridge records DV frame streams from FireWire camcorders and
// similar real-time sources to disk, with an optional live preview.
//
// Architecture:
//   - A capture source delivers frames on its own goroutine.
//   - A bounded queue absorbs delivery jitter; a full queue blocks the
//     producer rather than dropping frames, so disk stalls surface as
//     backpressure instead of silent data loss.
//   - One consumer goroutine fans each frame out to the preview surface
//     (best-effort, shed under load) and the clip writer (always).
//
// The package-level functions operate on a process-wide session, mirroring
// the single-deck hardware they drive. Multi-session use goes through
// capture.NewEngine directly.
package dvbridge
