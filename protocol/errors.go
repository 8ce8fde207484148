package protocol

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by ProtocolError.
var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMalformedData = errors.New("malformed message data")
)

// ProtocolError reports a message that cannot be interpreted. The agent
// recovers from it by ignoring the message.
type ProtocolError struct {
	Type Type
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
