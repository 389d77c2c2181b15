package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const (
	DefaultPublicAPIURI   = "https://api.kadoa.com"
	DefaultRealtimeAPIURI = "https://realtime.kadoa.com"
	DefaultWSSAPIURI      = "wss://realtime.kadoa.com"
)

type Options struct {
	TeamAPIKey     string `long:"team-api-key" env:"KADOA_TEAM_API_KEY" description:"Team API key exchanged for realtime access tokens"`
	APIKey         string `long:"api-key" env:"KADOA_API_KEY" description:"Personal API key (used when no team key is set)"`
	PublicAPIURI   string `long:"public-api-uri" env:"PUBLIC_KADOA_API_URI" default:"https://api.kadoa.com" description:"Base URI of the public API that issues access tokens"`
	RealtimeAPIURI string `long:"realtime-api-uri" env:"REALTIME_KADOA_API_URI" default:"https://realtime.kadoa.com" description:"Base URI of the realtime API that receives acknowledgments"`
	WSSAPIURI      string `long:"wss-api-uri" env:"WSS_KADOA_API_URI" default:"wss://realtime.kadoa.com" description:"WebSocket URI of the realtime stream"`
	EventsFile     string `long:"events-file" env:"KADOA_EVENTS_FILE" description:"Also append received events as JSON lines to this file"`
	MetricsAddr    string `long:"metrics-addr" env:"KADOA_METRICS_ADDR" description:"Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)"`
	LogToFile      bool   `long:"log-to-file" env:"KADOA_LOG_TO_FILE" description:"Persist logs as JSON lines under the user cache directory"`
	AllowMultiple  bool   `long:"allow-multiple" description:"Do not take the single-instance lock"`
	Debug          bool   `long:"debug" env:"KADOA_DEBUG" description:"Enable verbose debug output"`
}

// Endpoints are the fully resolved URLs the realtime client talks to.
type Endpoints struct {
	TokenURL  string
	AckURL    string
	StreamURL string
}

const (
	tokenPath = "/v4/oauth2/token"
	ackPath   = "/api/v1/events/ack"
)

// ParseOptions loads .env (if present) and parses args, with environment
// variables filling in unset flags.
func ParseOptions(args []string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "kadoa-listen"
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.TeamAPIKey) == "" && strings.TrimSpace(opts.APIKey) == "" {
		return errors.New("team API key or API key is required")
	}
	return nil
}

func BuildEndpoints(opts Options) (Endpoints, error) {
	publicBase, err := normalizeBaseURI(valueOr(opts.PublicAPIURI, DefaultPublicAPIURI), "http", "https")
	if err != nil {
		return Endpoints{}, fmt.Errorf("public API URI: %w", err)
	}
	realtimeBase, err := normalizeBaseURI(valueOr(opts.RealtimeAPIURI, DefaultRealtimeAPIURI), "http", "https")
	if err != nil {
		return Endpoints{}, fmt.Errorf("realtime API URI: %w", err)
	}
	streamBase, err := normalizeBaseURI(valueOr(opts.WSSAPIURI, DefaultWSSAPIURI), "ws", "wss")
	if err != nil {
		return Endpoints{}, fmt.Errorf("WebSocket URI: %w", err)
	}
	return Endpoints{
		TokenURL:  publicBase + tokenPath,
		AckURL:    realtimeBase + ackPath,
		StreamURL: streamBase,
	}, nil
}

// StreamURLWithToken appends the access token as the access_token query
// parameter.
func (e Endpoints) StreamURLWithToken(accessToken string) string {
	parsed, err := url.Parse(e.StreamURL)
	if err != nil {
		return e.StreamURL + "?access_token=" + url.QueryEscape(accessToken)
	}
	query := parsed.Query()
	query.Set("access_token", accessToken)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func normalizeBaseURI(raw string, schemes ...string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("expected absolute URI like %s://example.com", schemes[len(schemes)-1])
	}
	allowed := false
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawPath = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func valueOr(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
