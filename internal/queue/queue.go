// Package queue implements the bounded frame queue between the capture
// producer and the session's consumer loop.
//
// The queue is the only structure in a session mutated concurrently by two
// goroutines without external locking; it carries its own synchronization.
// Backpressure is blocking, never dropping: a producer facing a full queue
// waits until the consumer frees a slot. Only during shutdown does Put stop
// blocking, and every frame dropped that way is counted.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/visiona/dvbridge/internal/types"
)

type slot struct {
	pts int64
	buf []byte
	n   int
}

// Queue is a fixed-capacity frame buffer with blocking Put and Get.
//
// Expected topology is one producer (the hardware callback goroutine) and
// one consumer (the session's consumer loop). The buffer returned by Get is
// valid until the next Get call.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	slots    []slot
	head     int
	count    int
	capacity int

	out []byte // consumer-side scratch buffer, reused across Gets

	sentinel bool
	shutdown bool
	closed   bool

	load    atomic.Int32
	dropped atomic.Uint64
}

// New creates a queue holding at most capacity frames of up to frameSize
// bytes each. All frame buffers are allocated up front so Put never
// allocates on the producer's callback goroutine.
func New(capacity, frameSize int) *Queue {
	q := &Queue{
		slots:    make([]slot, capacity),
		capacity: capacity,
		out:      make([]byte, frameSize),
	}
	for i := range q.slots {
		q.slots[i].buf = make([]byte, frameSize)
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put copies data into the queue, blocking while the queue is full.
//
// It returns false without enqueueing once shutdown has begun; the drop is
// counted in Dropped. Blocking a hardware callback indefinitely risks
// device-level frame loss outside this system's control, which is why
// Shutdown force-unblocks any waiting producer instead of letting it drain.
func (q *Queue) Put(pts int64, data []byte) bool {
	q.mu.Lock()
	for q.count == q.capacity && !q.shutdown {
		q.notFull.Wait()
	}
	if q.shutdown {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}

	s := &q.slots[(q.head+q.count)%q.capacity]
	if len(data) > len(s.buf) {
		s.buf = make([]byte, len(data))
	}
	s.n = copy(s.buf, data)
	s.pts = pts
	q.count++
	q.load.Store(int32(q.count))

	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// PutSentinel marks the end of the stream. The sentinel is carried out of
// band so it needs no free slot; it is delivered to the consumer only after
// all queued frames have been drained. Idempotent.
func (q *Queue) PutSentinel() {
	q.mu.Lock()
	q.sentinel = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Get blocks until a frame or the sentinel is available.
//
// A false result means a transient wake with no data ready; the caller must
// retry. The returned frame's Data aliases an internal buffer that stays
// valid until the next Get call.
func (q *Queue) Get() (types.Frame, bool) {
	q.mu.Lock()
	if q.count == 0 && !q.sentinel && !q.closed {
		q.notEmpty.Wait()
	}

	if q.count > 0 {
		s := &q.slots[q.head]
		if len(q.out) < s.n {
			q.out = make([]byte, s.n)
		}
		n := copy(q.out, s.buf[:s.n])
		pts := s.pts
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.load.Store(int32(q.count))
		q.notFull.Signal()
		q.mu.Unlock()
		return types.Frame{PTS: pts, Data: q.out[:n]}, true
	}

	if q.sentinel || q.closed {
		q.mu.Unlock()
		return types.SentinelFrame(), true
	}

	q.mu.Unlock()
	return types.Frame{}, false
}

// Load returns the number of frames currently queued. Lock-free; consumers
// use it for soft scheduling decisions such as preview shedding.
func (q *Queue) Load() int {
	return int(q.load.Load())
}

// Dropped returns the number of frames refused by Put after shutdown began.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Shutdown force-unblocks any producer waiting in Put and makes subsequent
// Puts return false. Queued frames remain readable.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Close shuts the queue down and wakes any blocked consumer; Get on a closed
// empty queue yields the sentinel.
func (q *Queue) Close() {
	q.mu.Lock()
	q.shutdown = true
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
