// Package batch accumulates outbound protocol sub-messages per session and
// flushes them as size- and time-bounded batch frames, honoring transport
// backpressure without ever blocking the caller.
package batch

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/protocol"
)

// Transport is the send side of one connection as seen by its batcher.
// WriteFrame must not block: implementations hand the frame to a writer
// goroutine and report ErrBackpressure when their buffer is full.
type Transport interface {
	// WriteFrame queues one wire frame for delivery in FIFO order.
	WriteFrame(frame []byte) error
	// BufferedBytes reports the bytes accepted but not yet written to the
	// socket.
	BufferedBytes() int
}

// ErrBackpressure is returned by a Transport that cannot accept more
// buffered bytes. The batcher drops the flush and retries on the next one.
var ErrBackpressure = errors.New("batch: transport buffer full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("batch: batcher closed")

// Batcher owns the single pending batch buffer of one session. Enqueue is
// safe for concurrent use because zone and space fan-out enqueues from other
// sessions' goroutines.
type Batcher struct {
	transport   Transport
	window      time.Duration
	maxPending  int
	maxBuffered int
	logger      *zap.Logger

	mu      sync.Mutex
	event   string
	pending []protocol.SubMessage
	timer   *time.Timer
	dropped uint64
	closed  bool
}

// New creates a batcher for one session's transport.
//
// Precondition: transport and logger must be non-nil; window must be
// positive; maxPending and maxBuffered must be >= 1.
func New(transport Transport, window time.Duration, maxPending, maxBuffered int, logger *zap.Logger) *Batcher {
	return &Batcher{
		transport:   transport,
		window:      window,
		maxPending:  maxPending,
		maxBuffered: maxBuffered,
		logger:      logger,
	}
}

// Enqueue appends a sub-message to the pending batch. The first entry of a
// batch names the frame's event label and schedules a flush after the
// coalescing window; reaching the size threshold flushes immediately.
//
// Postcondition: The message is buffered for the next flush, or an error if
// the batcher is closed or the body cannot be encoded.
func (b *Batcher) Enqueue(kind protocol.Kind, body any) error {
	sub, err := protocol.EncodeSub(kind, body)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.pending) == 0 {
		b.event = kind.String()
	}
	b.pending = append(b.pending, sub)

	if len(b.pending) >= b.maxPending {
		return b.flushLocked()
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, func() {
			if err := b.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				b.logger.Debug("scheduled flush failed", zap.Error(err))
			}
		})
	}
	return nil
}

// Flush serializes the pending buffer as one batch frame and hands it to
// the transport. Under backpressure the frame is dropped and counted;
// delivery resumes on the next flush once the transport drains.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// flushLocked holds the lock from envelope capture through the transport
// handoff, so frames reach the transport in capture order even when
// threshold and timer flushes race from different goroutines. WriteFrame
// never blocks, which keeps the critical section short.
func (b *Batcher) flushLocked() error {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.closed {
		return ErrClosed
	}
	if len(b.pending) == 0 {
		return nil
	}
	envelope := protocol.Batch{Event: b.event, Messages: b.pending}
	b.pending = nil
	b.event = ""

	if b.transport.BufferedBytes() > b.maxBuffered {
		b.dropped += uint64(len(envelope.Messages))
		b.logger.Warn("dropping batch under backpressure",
			zap.Int("messages", len(envelope.Messages)),
			zap.Uint64("total_dropped", b.dropped),
		)
		return ErrBackpressure
	}

	frame, err := protocol.Encode(protocol.KindBatch, envelope)
	if err != nil {
		return err
	}
	if err := b.transport.WriteFrame(frame); err != nil {
		if errors.Is(err, ErrBackpressure) {
			b.dropped += uint64(len(envelope.Messages))
		}
		return err
	}
	return nil
}

// BufferedBytes exposes the transport's pending byte count for monitoring.
func (b *Batcher) BufferedBytes() int {
	return b.transport.BufferedBytes()
}

// Pending returns the number of sub-messages awaiting the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the number of sub-messages discarded under backpressure.
func (b *Batcher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close cancels any scheduled flush and discards the pending buffer.
// Safe to call more than once.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}
