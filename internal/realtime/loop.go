package realtime

import (
	"context"
	"sync"
)

// eventLoop runs posted closures one at a time, in posting order, on a single
// goroutine. post never blocks, so closures may post further work.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// post queues fn and reports false when the loop has already stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *eventLoop) run(ctx context.Context, onStop func()) {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				break
			}
			fn()
		}
		if ctx.Err() != nil {
			l.stop(onStop)
			return
		}

		select {
		case <-ctx.Done():
			l.stop(onStop)
			return
		case <-l.wake:
		}
	}
}

func (l *eventLoop) stop(onStop func()) {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	if onStop != nil {
		onStop()
	}
}
