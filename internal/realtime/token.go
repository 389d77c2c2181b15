package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kadoa-realtime/internal/logging"
)

// TokenClient exchanges the stored credential for a fresh Session.
type TokenClient interface {
	FetchSession(ctx context.Context) (Session, error)
}

type HTTPTokenClient struct {
	HTTP       *http.Client
	TokenURL   string
	Credential string
	UserAgent  string
	Logger     *logging.Logger
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TeamID      string `json:"team_id"`
}

func (t HTTPTokenClient) FetchSession(ctx context.Context) (Session, error) {
	t.Logger.Debug("requesting realtime access token", logging.Field("url", t.TokenURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TokenURL, nil)
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Authorization", "Bearer "+t.Credential)
	req.Header.Set("Content-Type", "application/json")
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}

	httpClient := t.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	t.Logger.Debugf("POST %s -> %s", t.TokenURL, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		t.Logger.Warn("realtime token request failed",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return Session{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var body tokenResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Session{}, fmt.Errorf("invalid realtime token response: %w", err)
	}
	session := Session{
		AccessToken: strings.TrimSpace(body.AccessToken),
		ChannelID:   strings.TrimSpace(body.TeamID),
	}
	if session.AccessToken == "" {
		return Session{}, ErrMissingToken
	}
	if session.ChannelID == "" {
		return Session{}, ErrMissingChannel
	}

	t.Logger.Debug("realtime access token acquired", logging.Field("channel", session.ChannelID))
	return session, nil
}
