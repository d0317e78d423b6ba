package conduit

import (
	"errors"
	"fmt"
	"strings"
)

// Common client errors
var (
	ErrMissingAPIURL    = errors.New("conduit API URL is not set")
	ErrMissingAPIToken  = errors.New("conduit API token is not set")
	ErrEmptyEndpoint    = errors.New("conduit endpoint name is empty")
	ErrRevisionNotFound = errors.New("revision not found")
)

// ConfigError reports missing or invalid client configuration. It is always
// returned before any network call is attempted.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("conduit config: %v", e.Err)
	}
	return fmt.Sprintf("conduit config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError reports a network failure or a non-2xx HTTP status.
// StatusCode is zero when no response was received.
type TransportError struct {
	Method     string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "conduit %s: transport", e.Method)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, " (body: %s)", e.Body)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a server-reported failure carried in the envelope's error_code
// and error_info fields.
type APIError struct {
	Method string
	Code   string
	Info   string
}

func (e *APIError) Error() string {
	if e.Info == "" {
		return fmt.Sprintf("conduit %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("conduit %s: %s: %s", e.Method, e.Code, e.Info)
}

// DecodeError reports a response body that is not valid JSON or does not have
// the expected shape.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("conduit %s: decode response: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MalformedRecordError reports that a field path expected in a record is
// absent or has the wrong type.
type MalformedRecordError struct {
	Path   string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s: %s", e.Path, e.Reason)
}
