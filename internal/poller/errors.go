package poller

import (
	"errors"
	"fmt"
)

var (
	// ErrMissing reports a status file the daemon has not written yet.
	ErrMissing = errors.New("status file missing")
	// ErrNotRegistered is returned by the XvB private API for unknown addresses.
	ErrNotRegistered = errors.New("address not registered")
)

// TransportError wraps a failure to reach an endpoint.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("request %s: %v", e.URL, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is an unexpected HTTP status code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("request %s: status %d", e.URL, e.Code) }

// DecodeError is a payload that could not be deserialized.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Source, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
