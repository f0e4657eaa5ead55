// Package eventloop implements the Data Hub's single cooperative event
// loop: a FIFO queue of zero-argument step closures. Tree, routing, and
// snapshot never spawn goroutines of their own; a long operation (a
// snapshot pass, a deferred handler) re-queues its next step here
// instead of blocking the loop or reaching for a mutex. The two
// long-lived background goroutines (internal/observation's backup/
// cleanup tickers and internal/config's hot-reload watcher) only ever
// touch core state by posting a step back onto the loop; the third, the
// snapshot writer's batcher ticker, lives for one snapshot and only sees
// encoded bytes.
//
// Grounded on no single teacher file — the log pipeline dispatches work
// across a worker pool (pkg/task_manager, pkg/goroutines) rather than a
// single-threaded loop, since its domain has no tree to keep lock-free.
// This package is the one place that domain shape genuinely diverges
// from the teacher's concurrency model, per spec.md §5's explicit
// single-threaded requirement.
package eventloop

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loop is a FIFO queue of steps, drained one batch at a time.
type Loop struct {
	log *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	stopCh  chan struct{}
}

// New creates an empty Loop. A nil logger falls back to a discard
// logger, as the rest of this module does.
func New(logger ...*logrus.Logger) *Loop {
	return &Loop{log: pickLogger(logger), wake: make(chan struct{}, 1), stopCh: make(chan struct{})}
}

func pickLogger(loggers []*logrus.Logger) *logrus.Logger {
	for _, l := range loggers {
		if l != nil {
			return l
		}
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}

// Post enqueues step to run on a future Tick. Safe to call from within a
// running step (re-queueing its own continuation) or from one of the two
// sanctioned background goroutines; Post itself never runs step.
func (l *Loop) Post(step func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, step)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Tick runs every step queued as of the call (not steps those steps
// themselves Post, which wait for the next Tick), and reports how many
// ran. A step's panic is recovered and logged so one bad step cannot
// wedge the whole loop.
func (l *Loop) Tick() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, step := range batch {
		l.runStep(step)
	}
	return len(batch)
}

func (l *Loop) runStep(step func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("event loop: step panicked, continuing")
		}
	}()
	step()
}

// Run ticks whenever work is pending, blocking between batches, until
// ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.Tick()
		if l.isStopped() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Stop drains no further Posts and unblocks a pending Run.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopCh)
}

// Pending reports how many steps are currently queued, for tests and
// diagnostics.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
