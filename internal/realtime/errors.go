package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("apiKey or teamApiKey must be provided")
	ErrMissingTransport  = errors.New("transport must be provided")
	ErrMissingToken      = errors.New("missing realtime access token")
	ErrMissingChannel    = errors.New("missing realtime channel")
)

// ConfigError is returned synchronously from New when the client cannot be
// built. Nothing else in this package surfaces errors to the caller.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e == nil || e.Err == nil {
		return "invalid realtime config"
	}
	return fmt.Sprintf("invalid realtime config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
}
