// Package logsink implements the async log sink (C1): an io.Writer any
// goroutine can write a formatted line into without blocking, drained by
// one dedicated consumer goroutine into the real destination writer. On
// a full queue, Write drops the line and counts it — the sink must never
// block its caller, which is what lets internal/logging wire every
// zerolog.Logger (including the reactor's own) through it without the
// reactor goroutine ever stalling behind log I/O.
package logsink

import (
	"io"
	"sync"
	"time"

	"github.com/lattice-systems/reactornet/internal/ring"
	"github.com/lattice-systems/reactornet/internal/telemetry"
)

const defaultCapacity = 8192
const drainBatchSize = 256
const idlePollInterval = 10 * time.Millisecond

// Sink is the async log sink (C1).
type Sink struct {
	queue *ring.MPSC[[]byte]
	out   io.Writer

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a Sink that queues writes and drains them to out. capacity
// is rounded up to a power of two by the underlying ring; pass 0 to use
// the default of 8192.
func New(out io.Writer, capacity int) *Sink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Sink{
		queue: ring.NewMPSC[[]byte](capacity),
		out:   out,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.consume()
	return s
}

// Write enqueues a copy of p for asynchronous writing to out. Always
// reports success to the caller: on a full queue the line is dropped and
// telemetry.LogLinesDropped is incremented instead of surfacing an error
// that would make the logging call site believe the line was lost
// silently for some other reason.
func (s *Sink) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	if !s.queue.Push(line) {
		telemetry.LogLinesDropped.Inc()
	}
	return len(p), nil
}

func (s *Sink) consume() {
	defer close(s.done)
	for {
		drained := s.drainBatch()
		if drained == 0 {
			select {
			case <-s.stop:
				s.drainBatch() // final drain before exit
				return
			case <-time.After(idlePollInterval):
			}
		}
	}
}

func (s *Sink) drainBatch() int {
	n := 0
	for n < drainBatchSize {
		line, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.out.Write(line)
		n++
	}
	return n
}

// Close signals the consumer to drain remaining entries and exit, then
// waits for it to finish.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
}

// Len reports the number of buffered-but-not-yet-written lines.
func (s *Sink) Len() int {
	return s.queue.Len()
}
