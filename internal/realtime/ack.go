package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"kadoa-realtime/internal/logging"
)

// Acknowledger confirms receipt of an identified event.
type Acknowledger interface {
	Acknowledge(ctx context.Context, eventID string) error
}

type HTTPAcknowledger struct {
	HTTP      *http.Client
	AckURL    string
	UserAgent string
	Logger    *logging.Logger
}

type ackPayload struct {
	ID string `json:"id"`
}

func (a HTTPAcknowledger) Acknowledge(ctx context.Context, eventID string) error {
	body, err := json.Marshal(ackPayload{ID: eventID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.AckURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.UserAgent != "" {
		req.Header.Set("User-Agent", a.UserAgent)
	}

	httpClient := a.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	a.Logger.Debugf("POST %s -> %s", a.AckURL, resp.Status)

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		a.Logger.Warn("event acknowledgment rejected",
			logging.Field("event_id", eventID),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
	return nil
}
