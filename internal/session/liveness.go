package session

import (
	"sync"
	"time"
)

// Liveness runs the two keepalive timers of a connection: a ping-interval
// ticker (server-initiated, since backgrounded clients throttle their own
// timers) and a pong-timeout armed on each ping and cancelled by the
// matching pong. A fired pong timeout invokes onExpire, which forcibly
// closes the connection.
type Liveness struct {
	interval time.Duration
	timeout  time.Duration
	sendPing func()
	onExpire func()

	mu      sync.Mutex
	pong    *time.Timer
	done    chan struct{}
	stopped bool
}

// NewLiveness creates the timer pair without starting it.
//
// Precondition: interval and timeout must be positive; sendPing and onExpire
// must be non-nil.
func NewLiveness(interval, timeout time.Duration, sendPing, onExpire func()) *Liveness {
	return &Liveness{
		interval: interval,
		timeout:  timeout,
		sendPing: sendPing,
		onExpire: onExpire,
		done:     make(chan struct{}),
	}
}

// Start launches the ping loop. The first ping fires after one interval.
func (l *Liveness) Start() {
	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.ping()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Liveness) ping() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	// A still-armed timer means the previous ping was never answered; let it
	// fire rather than rearming.
	if l.pong == nil {
		l.pong = time.AfterFunc(l.timeout, l.expire)
	}
	l.mu.Unlock()

	l.sendPing()
}

func (l *Liveness) expire() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.onExpire()
}

// Pong cancels the outstanding pong timeout, if any.
func (l *Liveness) Pong() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pong != nil {
		l.pong.Stop()
		l.pong = nil
	}
}

// Stop cancels both timers. Safe to call more than once; part of the
// session teardown contract.
func (l *Liveness) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if l.pong != nil {
		l.pong.Stop()
		l.pong = nil
	}
	close(l.done)
}
