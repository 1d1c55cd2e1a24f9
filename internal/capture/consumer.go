package capture

import (
	"fmt"
	"log/slog"

	"github.com/visiona/dvbridge/internal/queue"
	"github.com/visiona/dvbridge/internal/sink"
	"github.com/visiona/dvbridge/internal/types"
)

// consumeLoop drains the queue on a dedicated goroutine and fans frames out
// to the sinks in fixed order: preview first, writer always. It terminates
// on the sentinel, which the queue yields only after every queued frame has
// been drained, so frames captured before StopCapture still reach disk.
func (e *Engine) consumeLoop(q *queue.Queue, monitor, writer sink.Sink, opts normalizedOptions, done chan struct{}) {
	defer close(done)

	// Preview is shed whenever queue load reaches half of capacity so the
	// durable writer path is never starved under backpressure.
	half := opts.queueSize / 2

	for {
		f, ok := q.Get()
		if !ok {
			continue
		}
		if f.Sentinel() {
			return
		}

		if monitor != nil && opts.enablePreview && q.Load() < half {
			if err := deliver(monitor, f); err != nil {
				slog.Warn("preview sink rejected frame", "error", err, "pts", f.PTS)
			}
		}

		if writer != nil {
			if err := deliver(writer, f); err != nil {
				e.setError(fmt.Sprintf("write frame: %v", err))
				slog.Error("writer sink failed", "error", err, "pts", f.PTS)
				e.emit(types.EventCaptureError, err.Error())
			} else {
				e.framesWritten.Add(1)
			}
		}
	}
}

// deliver shields the loop from a misbehaving sink: a failure in one sink
// must not block delivery to the other, and a panic must not kill the
// session.
func deliver(s sink.Sink, f types.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.HandleFrame(f.PTS, f.Data)
}
