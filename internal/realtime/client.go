// Package realtime keeps a durable subscription to the Kadoa realtime stream.
//
// A Client fetches a short-lived access token, opens the stream, subscribes to
// the team channel, watches heartbeats, acknowledges identified events and
// hands every application event to a single registered Handler. Any failure
// leads to a reconnect after a fixed delay; the client never gives up on its
// own and stops only when the context passed to New is cancelled.
//
// All connection state is owned by one event-loop goroutine. Transport
// signals, timer fires and Listen calls are queued onto that loop, so state
// transitions never run concurrently.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/metrics"
)

const (
	reconnectDelay     = 5 * time.Second
	defaultAckTimeout  = 10 * time.Second
	defaultHTTPTimeout = 10 * time.Second
)

type Config struct {
	Credential Credential
	Endpoints  config.Endpoints
	HTTP       *http.Client
	UserAgent  string

	// Transport is required. The remaining collaborators default to the HTTP
	// implementations, the wall clock and a constant 5s reconnect delay.
	Transport    Transport
	Tokens       TokenClient
	Acknowledger Acknowledger
	Clock        Clock
	Reconnect    backoff.BackOff
	AckTimeout   time.Duration
	Logger       *logging.Logger

	// OnStateChange runs on the client loop after every transition and must
	// not block.
	OnStateChange func(State)
}

type Client struct {
	ctx        context.Context
	endpoints  config.Endpoints
	tokens     TokenClient
	transport  Transport
	acks       Acknowledger
	clock      Clock
	reconnect  backoff.BackOff
	ackTimeout time.Duration
	logger     *logging.Logger
	onState    func(State)

	loop    *eventLoop
	monitor *heartbeatMonitor

	handlerMu sync.Mutex
	handlerFn Handler

	stateView   atomic.Int32
	pendingAcks sync.WaitGroup

	// Owned by the loop.
	state          State
	generation     uint64
	attemptLog     *logging.Logger
	conn           Conn
	reconnectTimer Timer
	reconnectSeq   uint64
}

// New validates cfg and starts the client's loop. It does not connect; call
// Listen for that. The only errors returned are *ConfigError.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bearer, err := cfg.Credential.Bearer()
	if err != nil {
		return nil, &ConfigError{Field: "credential", Err: err}
	}
	if cfg.Transport == nil {
		return nil, &ConfigError{Field: "transport", Err: ErrMissingTransport}
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = HTTPTokenClient{
			HTTP:       httpClient,
			TokenURL:   cfg.Endpoints.TokenURL,
			Credential: bearer,
			UserAgent:  cfg.UserAgent,
			Logger:     cfg.Logger,
		}
	}
	acks := cfg.Acknowledger
	if acks == nil {
		acks = HTTPAcknowledger{
			HTTP:      httpClient,
			AckURL:    cfg.Endpoints.AckURL,
			UserAgent: cfg.UserAgent,
			Logger:    cfg.Logger,
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	reconnect := cfg.Reconnect
	if reconnect == nil {
		reconnect = backoff.NewConstantBackOff(reconnectDelay)
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	c := &Client{
		ctx:        ctx,
		endpoints:  cfg.Endpoints,
		tokens:     tokens,
		transport:  cfg.Transport,
		acks:       acks,
		clock:      clock,
		reconnect:  reconnect,
		ackTimeout: ackTimeout,
		logger:     cfg.Logger,
		onState:    cfg.OnStateChange,
		attemptLog: cfg.Logger,
		loop:       newEventLoop(),
	}
	c.monitor = &heartbeatMonitor{
		clock:      clock,
		interval:   heartbeatCheckInterval,
		staleAfter: heartbeatStaleAfter,
		dispatch:   c.loop.post,
		onStale:    c.staleConnection,
	}
	c.stateView.Store(int32(StateIdle))
	go c.loop.run(ctx, c.shutdown)
	return c, nil
}

// Listen registers handler and starts connecting unless a connection is
// already in progress or open. It returns immediately; connection failures
// are retried internally and never reported here.
func (c *Client) Listen(handler Handler) {
	c.SetHandler(handler)
	c.loop.post(c.connect)
}

// SetHandler replaces the registered handler. The last registration wins; a
// dispatch already running completes with the handler it started with.
func (c *Client) SetHandler(handler Handler) {
	c.handlerMu.Lock()
	c.handlerFn = handler
	c.handlerMu.Unlock()
}

func (c *Client) handler() Handler {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.handlerFn
}

func (c *Client) State() State {
	return State(c.stateView.Load())
}

// Done is closed once the context passed to New is cancelled and the client
// has released its connection and timers.
func (c *Client) Done() <-chan struct{} {
	return c.loop.done
}

func (c *Client) connect() {
	switch c.state {
	case StateConnecting, StateOpen, StateClosing:
		c.attemptLog.Debug("connect skipped", logging.Field("state", c.state.String()))
		return
	}
	c.cancelReconnect()

	c.generation++
	gen := c.generation
	c.attemptLog = c.logger.With(logging.Field("attempt_id", uuid.NewString()))
	c.setState(StateConnecting)
	metrics.ConnectAttempts.Inc()

	go c.establish(gen, c.attemptLog)
}

// establish runs off the loop; its results are posted back.
func (c *Client) establish(gen uint64, log *logging.Logger) {
	session, err := c.tokens.FetchSession(c.ctx)
	if err != nil {
		c.loop.post(func() { c.attemptFailed(gen, "token", err) })
		return
	}

	log.Debug("dialing realtime stream",
		logging.Field("url", c.endpoints.StreamURL),
		logging.Field("channel", session.ChannelID),
	)
	conn, err := c.transport.Dial(c.ctx, c.endpoints.StreamURLWithToken(session.AccessToken))
	if err != nil {
		c.loop.post(func() { c.attemptFailed(gen, "dial", err) })
		return
	}
	if !c.loop.post(func() { c.opened(gen, session, conn) }) {
		_ = conn.Close()
	}
}

func (c *Client) attemptFailed(gen uint64, stage string, err error) {
	if gen != c.generation || c.state != StateConnecting {
		return
	}
	metrics.ConnectFailures.WithLabelValues(stage).Inc()
	c.attemptLog.Warn("failed to connect",
		logging.Field("stage", stage),
		logging.Field("unauthorized", IsUnauthorized(err)),
		logging.Field("error", err),
	)
	c.setState(StateReconnecting)
	c.scheduleReconnect()
}

func (c *Client) opened(gen uint64, session Session, conn Conn) {
	if gen != c.generation || c.state != StateConnecting {
		c.attemptLog.Debug("discarding superseded connection")
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.setState(StateOpen)
	c.reconnect.Reset()
	metrics.ConnectionsOpened.Inc()

	frame, err := json.Marshal(subscribeFrame{Action: "subscribe", Channel: session.ChannelID})
	if err == nil {
		err = conn.Send(frame)
	}
	c.monitor.start()
	conn.Serve(ConnHandlers{
		OnMessage: func(data []byte) { c.loop.post(func() { c.received(gen, data) }) },
		OnError:   func(err error) { c.loop.post(func() { c.transportError(gen, err) }) },
		OnClose:   func(err error) { c.loop.post(func() { c.closed(gen, err) }) },
	})
	if err != nil {
		c.attemptLog.Warn("failed to send subscribe directive", logging.Field("error", err))
		c.setState(StateClosing)
		c.monitor.stop()
		_ = conn.Close()
		return
	}
	c.attemptLog.Info("connected", logging.Field("channel", session.ChannelID))
}

func (c *Client) received(gen uint64, data []byte) {
	if gen != c.generation {
		return
	}
	event, err := decodeEvent(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("malformed").Inc()
		c.attemptLog.Warn("failed to parse incoming message",
			logging.Field("error", err),
			logging.Field("payload", logging.FormatHTTPPayload(data)),
		)
		return
	}

	if event.IsHeartbeat() {
		metrics.FramesReceived.WithLabelValues("heartbeat").Inc()
		c.monitor.touch()
		c.attemptLog.Debug("heartbeat received")
		return
	}

	metrics.FramesReceived.WithLabelValues("event").Inc()
	if id, ok := event.ID(); ok {
		c.acknowledge(id)
	}
	c.dispatch(event)
}

func (c *Client) dispatch(event Event) {
	handler := c.handler()
	if handler == nil {
		c.attemptLog.Debug("no handler registered, dropping event")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			c.attemptLog.Error("event handler panicked", logging.Field("panic", fmt.Sprint(r)))
		}
	}()
	handler(event)
}

// acknowledge is fire-and-forget: no retry, and the caller never waits.
func (c *Client) acknowledge(id string) {
	log := c.attemptLog
	c.pendingAcks.Add(1)
	go func() {
		defer c.pendingAcks.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.ackTimeout)
		defer cancel()
		if err := c.acks.Acknowledge(ctx, id); err != nil {
			metrics.Acknowledgments.WithLabelValues("failed").Inc()
			log.Warn("event acknowledgment failed",
				logging.Field("event_id", id),
				logging.Field("error", err),
			)
			return
		}
		metrics.Acknowledgments.WithLabelValues("ok").Inc()
		log.Debug("event acknowledged", logging.Field("event_id", id))
	}()
}

func (c *Client) transportError(gen uint64, err error) {
	if gen != c.generation {
		return
	}
	c.attemptLog.Warn("websocket error", logging.Field("error", err))
}

func (c *Client) closed(gen uint64, err error) {
	if gen != c.generation || (c.state != StateOpen && c.state != StateClosing) {
		return
	}
	c.monitor.stop()
	c.conn = nil
	metrics.Disconnects.Inc()
	if err != nil {
		c.attemptLog.Warn("disconnected, attempting to reconnect", logging.Field("error", err))
	} else {
		c.attemptLog.Warn("disconnected, attempting to reconnect")
	}
	c.setState(StateReconnecting)
	c.scheduleReconnect()
}

// staleConnection force-closes the stream; the resulting close signal drives
// the reconnect like any other disconnect.
func (c *Client) staleConnection(silence time.Duration) {
	if c.state != StateOpen || c.conn == nil {
		return
	}
	metrics.StaleConnections.Inc()
	c.attemptLog.Error("no heartbeat received in time, closing connection",
		logging.Field("silence", silence.String()),
		logging.Field("limit", heartbeatStaleAfter.String()),
	)
	c.setState(StateClosing)
	c.monitor.stop()
	_ = c.conn.Close()
}

// scheduleReconnect keeps at most one reconnect timer pending.
func (c *Client) scheduleReconnect() {
	if c.reconnectTimer != nil {
		c.attemptLog.Debug("reconnect already scheduled")
		return
	}
	delay := c.reconnect.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = reconnectDelay
	}
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.loop.post(func() { c.reconnectDue(seq) })
	})
	metrics.ReconnectsScheduled.Inc()
	c.attemptLog.Debug("reconnect scheduled", logging.Field("delay", delay.String()))
}

func (c *Client) reconnectDue(seq uint64) {
	if c.reconnectTimer == nil || seq != c.reconnectSeq {
		return
	}
	c.reconnectTimer = nil
	c.connect()
}

func (c *Client) cancelReconnect() {
	if c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.reconnectSeq++
}

func (c *Client) setState(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.stateView.Store(int32(next))
	metrics.ConnectionState.Set(float64(next))
	c.attemptLog.Debug("connection state transition",
		logging.Field("from", prev.String()),
		logging.Field("state", next.String()),
	)
	if c.onState != nil {
		c.onState(next)
	}
}

func (c *Client) shutdown() {
	c.cancelReconnect()
	c.monitor.stop()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateIdle)
	c.logger.Debug("realtime client stopped")
}
