package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a facade that was started.
	ErrAlreadyStarted = errors.New("client already started")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("client shut down")
	// ErrNotRunning is returned by Deliver when no agent is running.
	ErrNotRunning = errors.New("agent not running")
	// ErrQueryTimeout is returned by QuerySession when the configured
	// timeout elapses before the agent answers.
	ErrQueryTimeout = errors.New("session query timed out")
)

// StartupError reports a failed Start. No agent remains running after it is
// returned.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("client startup failed: %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
