package agent

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on an agent whose loop is running.
	ErrAlreadyStarted = errors.New("agent already started")
	// ErrTerminated is returned when sending to or starting a terminated agent.
	ErrTerminated = errors.New("agent terminated")
	// ErrInboxFull is returned by TrySend when the inbox buffer is exhausted.
	ErrInboxFull = errors.New("agent inbox full")
)
