package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

const heartbeatType = "heartbeat"

// Credential is the long-lived secret exchanged for realtime sessions.
// When both keys are set the team key is used.
type Credential struct {
	APIKey     string
	TeamAPIKey string
}

// Bearer returns the key sent to the token endpoint.
func (c Credential) Bearer() (string, error) {
	if team := strings.TrimSpace(c.TeamAPIKey); team != "" {
		return team, nil
	}
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key, nil
	}
	return "", ErrMissingCredential
}

// Session is the short-lived access token and channel for one connection.
type Session struct {
	AccessToken string
	ChannelID   string
}

// Event is a decoded inbound frame.
type Event map[string]any

// Handler receives application events. Heartbeats never reach it.
type Handler func(Event)

func (e Event) IsHeartbeat() bool {
	kind, _ := e["type"].(string)
	return kind == heartbeatType
}

// ID reports the event identifier used for acknowledgment. Only non-empty
// string identifiers count: events with a numeric or other non-string id are
// still delivered to the handler but are never acknowledged.
func (e Event) ID() (string, bool) {
	id, ok := e["id"].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event == nil {
		return nil, errors.New("frame is not a JSON object")
	}
	return event, nil
}

type subscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
