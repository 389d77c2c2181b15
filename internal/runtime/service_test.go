package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadoa-realtime/internal/config"
	"kadoa-realtime/internal/logging"
	"kadoa-realtime/internal/metrics"
	"kadoa-realtime/internal/realtime"
	"kadoa-realtime/internal/runstatus"
)

type fakeBackend struct {
	server *httptest.Server

	mu        sync.Mutex
	bearer    string
	userAgent string
	subscribe string
	acked     []string
	ackedCh   chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{ackedCh: make(chan string, 4)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v4/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.bearer = r.Header.Get("Authorization")
		b.userAgent = r.Header.Get("User-Agent")
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"T","team_id":"C"}`)
	})
	mux.HandleFunc("/api/v1/events/ack", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.acked = append(b.acked, body.ID)
		b.mu.Unlock()
		b.ackedCh <- body.ID
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "T" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, first, err := ws.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.subscribe = string(first)
		b.mu.Unlock()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"evt-1","type":"workflow.finished"}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) options() config.Options {
	return config.Options{
		TeamAPIKey:     "team-key",
		PublicAPIURI:   b.server.URL,
		RealtimeAPIURI: b.server.URL,
		WSSAPIURI:      "ws" + strings.TrimPrefix(b.server.URL, "http") + "/stream",
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetOutput(io.Discard)
	return logger
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestListenerWritesEventsAndAcknowledges(t *testing.T) {
	backend := newFakeBackend(t)
	infoLogs := counterValue(t, metrics.LogEvents.WithLabelValues("info"))

	var mu sync.Mutex
	var statuses []string
	var out syncBuffer
	svc, err := newListener("1.2.3", backend.options(), quietLogger(), StartHooks{
		OnStatus: func(status string) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		},
	}, &out)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()

	select {
	case id := <-backend.ackedCh:
		assert.Equal(t, "evt-1", id)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("event was not acknowledged")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "evt-1")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not stop")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1, "heartbeats are not written")
	var record struct {
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "evt-1", record.Event["id"])

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "Bearer team-key", backend.bearer)
	assert.Equal(t, "kadoa-realtime-go/1.2.3", backend.userAgent)
	assert.Equal(t, `{"action":"subscribe","channel":"C"}`, backend.subscribe)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, runstatus.Connecting, statuses[0])
	assert.Contains(t, statuses, runstatus.Connected)
	assert.Equal(t, runstatus.Idle, statuses[len(statuses)-1])
	assert.Equal(t, realtime.StateIdle, svc.State())

	assert.Greater(t, counterValue(t, metrics.LogEvents.WithLabelValues("info")), infoLogs,
		"listener log lines are counted by level")
}

func TestListenerStopsCountingLogsAfterExit(t *testing.T) {
	backend := newFakeBackend(t)
	logger := quietLogger()
	svc, err := newListener("dev", backend.options(), logger, StartHooks{}, io.Discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.RunContext(ctx), context.Canceled)

	warnings := metrics.LogEvents.WithLabelValues("warn")
	before := counterValue(t, warnings)
	logger.Warn("after exit")
	assert.Equal(t, before, counterValue(t, warnings))
}

func TestNewListenerValidatesOptions(t *testing.T) {
	_, err := newListener("dev", config.Options{}, quietLogger(), StartHooks{}, io.Discard)
	assert.Error(t, err, "missing credential")

	_, err = newListener("dev", config.Options{APIKey: "k", WSSAPIURI: "https://not-a-socket"}, quietLogger(), StartHooks{}, io.Discard)
	assert.Error(t, err, "stream URI must be ws or wss")
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "kadoa-realtime-go/dev", UserAgent(""))
	assert.Equal(t, "kadoa-realtime-go/v0.4.0", UserAgent("v0.4.0"))
}

func TestControllerLifecycle(t *testing.T) {
	backend := newFakeBackend(t)
	var out syncBuffer
	controller := NewController(context.Background(), &out)

	select {
	case <-controller.Done():
	default:
		t.Fatalf("Done() should be closed before Start")
	}
	assert.Equal(t, realtime.StateIdle, controller.State())

	require.NoError(t, controller.Start("dev", backend.options(), quietLogger(), StartHooks{}))
	require.Eventually(t, func() bool {
		return controller.State() == realtime.StateOpen
	}, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, controller.Start("dev", backend.options(), quietLogger(), StartHooks{}))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "evt-1")
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, controller.StopAndWait(5*time.Second))
	<-controller.Done()
	assert.ErrorIs(t, controller.Err(), context.Canceled)
	assert.Equal(t, realtime.StateIdle, controller.State())
}

func TestControllerRejectsInvalidOptions(t *testing.T) {
	controller := NewController(context.Background(), io.Discard)
	assert.Error(t, controller.Start("dev", config.Options{}, quietLogger(), StartHooks{}))
	assert.True(t, controller.StopAndWait(time.Second), "nothing should be running")
	assert.NoError(t, controller.Err())
}

func TestControllerFollowsRootContext(t *testing.T) {
	backend := newFakeBackend(t)
	root, cancel := context.WithCancel(context.Background())
	controller := NewController(root, io.Discard)
	require.NoError(t, controller.Start("dev", backend.options(), quietLogger(), StartHooks{}))

	done := controller.Done()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not follow root cancellation")
	}
	assert.ErrorIs(t, controller.Err(), context.Canceled)
}
