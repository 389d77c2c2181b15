package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadoa-realtime/internal/config"
)

// Drives the default HTTP token and ack clients against a scripted backend.
func TestClientWithHTTPBackend(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		bearer   string
		ackIDs   []string
	)
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			requests = append(requests, r.URL.Path)
			switch r.URL.Path {
			case "/v4/oauth2/token":
				bearer = r.Header.Get("Authorization")
				return textResponse(r, http.StatusOK, `{"access_token":"T","team_id":"C"}`), nil
			case "/api/v1/events/ack":
				var body ackPayload
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					return nil, err
				}
				ackIDs = append(ackIDs, body.ID)
				return textResponse(r, http.StatusOK, `{}`), nil
			default:
				return textResponse(r, http.StatusNotFound, ``), nil
			}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	transport := newFakeTransport()
	client, err := New(ctx, Config{
		Credential: Credential{APIKey: "personal", TeamAPIKey: "team-key"},
		Endpoints: config.Endpoints{
			TokenURL:  "https://api.example.test/v4/oauth2/token",
			AckURL:    "https://realtime.example.test/api/v1/events/ack",
			StreamURL: "wss://realtime.example.test",
		},
		HTTP:      httpClient,
		Transport: transport,
		Clock:     newFakeClock(),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer func() {
		cancel()
		<-client.Done()
	}()

	received := make(chan Event, 1)
	client.Listen(func(e Event) { received <- e })

	var conn *fakeConn
	select {
	case conn = <-transport.conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
	}
	<-conn.served

	assert.Equal(t, []string{"wss://realtime.example.test?access_token=T"}, transport.dialed())
	assert.Equal(t, []string{`{"action":"subscribe","channel":"C"}`}, conn.sentFrames())

	conn.push(`{"id":"e1","type":"x"}`)
	select {
	case e := <-received:
		assert.Equal(t, Event{"id": "e1", "type": "x"}, e)
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	client.loop.call(func() {})
	client.pendingAcks.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer team-key", bearer)
	assert.Equal(t, []string{"e1"}, ackIDs)
	assert.Equal(t, []string{"/v4/oauth2/token", "/api/v1/events/ack"}, requests)
}
