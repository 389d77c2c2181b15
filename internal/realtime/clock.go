package realtime

import (
	"sync"
	"time"
)

// Timer is a cancellable handle returned by Clock scheduling.
type Timer interface {
	Stop() bool
}

// Clock supplies time and scheduling to the controller and heartbeat monitor.
// Callbacks run on clock-owned goroutines and must hand work back to the
// caller's own serialization.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// SystemClock schedules against wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (SystemClock) Every(d time.Duration, fn func()) Timer {
	t := &repeatingTimer{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return t
}

type repeatingTimer struct {
	once sync.Once
	stop chan struct{}
}

func (t *repeatingTimer) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.stop)
		stopped = true
	})
	return stopped
}
