package process

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn marks every launch failure. Launch failures are never retried.
	ErrSpawn = errors.New("spawn failed")
	// ErrCredentials marks a privileged termination whose password was rejected.
	ErrCredentials = errors.New("privileged credentials rejected")
)

// SpawnError reports why a daemon could not be launched.
type SpawnError struct {
	Kind   Kind
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Kind, e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }
