package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

func quietLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClock only moves when Advance is called. Timer callbacks run on the
// goroutine calling Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	every   time.Duration
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	return c.schedule(d, 0, fn)
}

func (c *fakeClock) Every(d time.Duration, fn func()) Timer {
	return c.schedule(d, d, fn)
}

func (c *fakeClock) schedule(d, every time.Duration, fn func()) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), every: every, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		c.now = next.at
		if next.every > 0 {
			next.at = next.at.Add(next.every)
		} else {
			next.stopped = true
		}
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) nextDueLocked(target time.Time) *fakeTimer {
	active := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(target) {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].at.Before(active[j].at) })
	return active[0]
}

// pending returns the delays of active one-shot and repeating timers.
func (c *fakeClock) pending() (oneShot []time.Duration, repeating int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if t.every > 0 {
			repeating++
			continue
		}
		oneShot = append(oneShot, t.at.Sub(c.now))
	}
	return oneShot, repeating
}

type fakeTokens struct {
	calls atomic.Int32
	mu    sync.Mutex
	fail  []error
	// gate, when set, holds every fetch open until it is closed.
	gate chan struct{}
}

func (f *fakeTokens) FetchSession(ctx context.Context) (Session, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return Session{}, err
	}
	return Session{AccessToken: "T", ChannelID: "C"}, nil
}

func (f *fakeTokens) failNext(errs ...error) {
	f.mu.Lock()
	f.fail = append(f.fail, errs...)
	f.mu.Unlock()
}

type fakeAcks struct {
	mu  sync.Mutex
	ids []string
	err error
	// block, when set, holds every acknowledgment open until it is closed.
	block chan struct{}
}

func (f *fakeAcks) Acknowledge(ctx context.Context, id string) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	err := f.err
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeAcks) acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeTransport struct {
	mu      sync.Mutex
	urls    []string
	fail    []error
	sendErr error
	conns   chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (f *fakeTransport) Dial(_ context.Context, rawURL string) (Conn, error) {
	f.mu.Lock()
	f.urls = append(f.urls, rawURL)
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		f.mu.Unlock()
		return nil, err
	}
	sendErr := f.sendErr
	f.mu.Unlock()

	conn := &fakeConn{served: make(chan struct{}), sendErr: sendErr}
	f.conns <- conn
	return conn, nil
}

func (f *fakeTransport) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeConn struct {
	mu         sync.Mutex
	sent       []string
	sendErr    error
	handlers   ConnHandlers
	served     chan struct{}
	closeCalls int
	closed     bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeConn) Serve(handlers ConnHandlers) {
	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()
	close(c.served)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.finish(nil)
	return nil
}

// remoteClose simulates the server dropping the connection.
func (c *fakeConn) remoteClose() {
	c.finish(errors.New("connection reset by peer"))
}

func (c *fakeConn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.handlers.OnClose
	c.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

func (c *fakeConn) push(frame string) {
	c.mu.Lock()
	onMessage := c.handlers.OnMessage
	c.mu.Unlock()
	onMessage([]byte(frame))
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

type harness struct {
	t         *testing.T
	cancel    context.CancelFunc
	client    *Client
	clock     *fakeClock
	transport *fakeTransport
	tokens    *fakeTokens
	acks      *fakeAcks
	events    chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:         t,
		cancel:    cancel,
		clock:     newFakeClock(),
		transport: newFakeTransport(),
		tokens:    &fakeTokens{},
		acks:      &fakeAcks{},
		events:    make(chan Event, 32),
	}
	client, err := New(ctx, Config{
		Credential:   Credential{TeamAPIKey: "team-key"},
		Endpoints:    config.Endpoints{StreamURL: "wss://stream.example.test"},
		Transport:    h.transport,
		Tokens:       h.tokens,
		Acknowledger: h.acks,
		Clock:        h.clock,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.client = client
	t.Cleanup(func() {
		cancel()
		<-client.Done()
	})
	return h
}

func (h *harness) handler(e Event) {
	h.events <- e
}

// flush waits until the client loop has drained its queue, including work
// queued by the work it ran.
func (h *harness) flush() {
	h.t.Helper()
	loop := h.client.loop
	for i := 0; i < 16; i++ {
		if !loop.call(func() {}) {
			h.t.Fatalf("client loop stopped")
		}
		loop.mu.Lock()
		empty := len(loop.queue) == 0
		loop.mu.Unlock()
		if empty {
			return
		}
	}
}

// settle waits for in-flight connection attempts to report back.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.flush()
		if h.client.State() != StateConnecting {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("client still connecting")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) listen() *fakeConn {
	h.t.Helper()
	h.client.Listen(h.handler)
	return h.nextConn()
}

func (h *harness) nextConn() *fakeConn {
	h.t.Helper()
	var conn *fakeConn
	select {
	case conn = <-h.transport.conns:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for dial")
	}
	select {
	case <-conn.served:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for connection to open")
	}
	h.flush()
	return conn
}

func (h *harness) nextEvent() Event {
	h.t.Helper()
	h.flush()
	select {
	case e := <-h.events:
		return e
	default:
		h.t.Fatalf("expected an event to be delivered")
		return nil
	}
}

func (h *harness) noEvents() {
	h.t.Helper()
	h.flush()
	if n := len(h.events); n != 0 {
		h.t.Fatalf("expected no events, got %d", n)
	}
}

func (h *harness) lastSeen() time.Time {
	var ts time.Time
	h.client.loop.call(func() { ts = h.client.monitor.lastSeen })
	return ts
}
