package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridian-spaces/relay/internal/batch"
)

// sendQueueLen bounds the frames accepted ahead of the socket writer. A
// full queue is backpressure: the enqueueing flush is dropped rather than
// blocking the caller.
const sendQueueLen = 64

// wsTransport is the send side of one websocket connection. It satisfies
// batch.Transport: WriteFrame never blocks, and BufferedBytes reports the
// bytes handed over but not yet written to the socket.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	queue    chan []byte
	buffered atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	writeErr  atomic.Pointer[error]
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, sendQueueLen),
		done:         make(chan struct{}),
	}
}

// run is the single writer goroutine; it preserves FIFO order across
// flushes and exits when the transport is closed.
func (t *wsTransport) run() {
	for {
		select {
		case frame := <-t.queue:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			err := t.conn.WriteMessage(websocket.BinaryMessage, frame)
			t.buffered.Add(-int64(len(frame)))
			if err != nil {
				t.writeErr.Store(&err)
				return
			}
		case <-t.done:
			return
		}
	}
}

// WriteFrame queues one frame for delivery. Returns batch.ErrBackpressure
// when the writer is saturated.
func (t *wsTransport) WriteFrame(frame []byte) error {
	if errp := t.writeErr.Load(); errp != nil {
		return *errp
	}
	select {
	case <-t.done:
		return batch.ErrClosed
	default:
	}
	t.buffered.Add(int64(len(frame)))
	select {
	case t.queue <- frame:
		return nil
	default:
		t.buffered.Add(-int64(len(frame)))
		return batch.ErrBackpressure
	}
}

// BufferedBytes reports the bytes accepted but not yet written.
func (t *wsTransport) BufferedBytes() int {
	return int(t.buffered.Load())
}

// writeControl sends a control frame directly; gorilla permits this
// concurrently with the writer goroutine.
func (t *wsTransport) writeControl(messageType int, payload []byte) error {
	return t.conn.WriteControl(messageType, payload, time.Now().Add(t.writeTimeout))
}

// close stops the writer goroutine. Safe to call more than once.
func (t *wsTransport) close() {
	t.closeOnce.Do(func() { close(t.done) })
}
