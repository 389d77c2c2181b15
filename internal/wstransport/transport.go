// Package wstransport implements the realtime stream transport on top of
// gorilla/websocket.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/realtime"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeWriteTimeout   = time.Second
)

type Transport struct {
	Dialer *websocket.Dialer
	Header http.Header
	// WriteTimeout bounds each outbound frame. Zero uses 10s.
	WriteTimeout time.Duration
	// PingInterval enables protocol-level pings. Zero disables them; liveness
	// is otherwise judged by application heartbeats.
	PingInterval time.Duration
	Logger       *logging.Logger
}

func (t Transport) Dial(ctx context.Context, rawURL string) (realtime.Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, t.Header.Clone())
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, fmt.Errorf("websocket handshake: %w", &realtime.HTTPStatusError{
					StatusCode: resp.StatusCode,
					Status:     resp.Status,
				})
			}
		}
		return nil, err
	}
	t.Logger.Debug("websocket handshake complete", logging.Field("status", resp.Status))

	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		pingInterval: t.PingInterval,
		logger:       t.Logger,
		closing:      make(chan struct{}),
		readDone:     make(chan struct{}),
	}, nil
}

type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *logging.Logger

	writeMu   sync.Mutex
	serveOnce sync.Once
	closeOnce sync.Once
	closing   chan struct{}
	readDone  chan struct{}
}

func (c *conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Serve(handlers realtime.ConnHandlers) {
	c.serveOnce.Do(func() {
		go c.readLoop(handlers)
		if c.pingInterval > 0 {
			go c.pingLoop()
		}
	})
}

func (c *conn) readLoop(handlers realtime.ConnHandlers) {
	var closeErr error
	defer func() {
		close(c.readDone)
		if handlers.OnClose != nil {
			handlers.OnClose(closeErr)
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosing() {
				closeErr = err
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && handlers.OnError != nil {
					handlers.OnError(err)
				}
			}
			_ = c.ws.Close()
			return
		}
		if handlers.OnMessage != nil {
			handlers.OnMessage(data)
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return
				}
				c.logger.Warn("failed to ping", logging.Field("error", err))
			}
		}
	}
}

func (c *conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Close sends a normal-closure frame and tears down the socket. The read loop
// then reports OnClose with a nil error.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
