package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/realtime"
)

// Controller owns at most one running listener and reports its connection
// state and exit.
type Controller struct {
	rootCtx context.Context
	out     io.Writer

	mu      sync.Mutex
	cancel  context.CancelFunc
	current *listener
	done    chan struct{}
	err     error
}

// StartHooks observe a running listener. OnStatus runs on the realtime
// client's loop and must not block.
type StartHooks struct {
	OnStatus func(string)
}

// NewController returns a Controller whose listeners write events to out, or
// to stdout when out is nil.
func NewController(rootCtx context.Context, out io.Writer) *Controller {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if out == nil {
		out = os.Stdout
	}
	done := make(chan struct{})
	close(done)
	return &Controller{rootCtx: rootCtx, out: out, done: done}
}

func (c *Controller) Start(buildVersion string, opts config.Options, logger *logging.Logger, hooks StartHooks) error {
	if logger == nil {
		panic("runtime.Controller.Start: logger must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("listener is already running (state %s)", c.current.State())
	}
	l, err := newListener(buildVersion, opts, logger, hooks, c.out)
	if err != nil {
		return err
	}
	logger.Debug("listener start requested",
		logging.Field("version", buildVersion),
		logging.Field("events_file", opts.EventsFile),
		logging.Field("metrics_addr", opts.MetricsAddr),
	)

	ctx, cancel := context.WithCancel(c.rootCtx)
	done := make(chan struct{})
	c.cancel = cancel
	c.current = l
	c.done = done
	c.err = nil

	go func() {
		defer cancel()
		runErr := l.RunContext(ctx)
		final := l.State()
		switch {
		case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
			logger.Debug("listener stopped", logging.Field("state", final.String()))
		case runErr != nil:
			logger.Warn("listener exited with error",
				logging.Field("state", final.String()),
				logging.Field("error", runErr),
			)
		default:
			logger.Info("listener exited", logging.Field("state", final.String()))
		}

		c.mu.Lock()
		c.cancel = nil
		c.err = runErr
		c.mu.Unlock()
		close(done)
	}()
	return nil
}

// Done is closed when the current listener has exited. It is already closed
// before the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err is the last listener's exit error once Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State is the current listener's connection state, or the state it was in
// when it exited.
func (c *Controller) State() realtime.State {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
	if l == nil {
		return realtime.StateIdle
	}
	return l.State()
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopAndWait cancels the listener and reports whether it exited within
// timeout. A non-positive timeout waits indefinitely.
func (c *Controller) StopAndWait(timeout time.Duration) bool {
	done := c.Done()
	c.Stop()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
