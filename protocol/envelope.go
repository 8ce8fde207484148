package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sessiond/memory"
)

// Envelope is the untyped wire form of a message: {type, data}. ID is set on
// commands; ReplyTo is set on SESSION_RESPONSE.
type Envelope struct {
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
}

// EncodeCommand converts a command to its envelope.
func EncodeCommand(cmd Command) (Envelope, error) {
	env := Envelope{Type: cmd.Type(), ID: cmd.CommandID()}

	var data any
	switch c := cmd.(type) {
	case UpdateSession:
		data = c.Partial
	case SaveMemory:
		data = c.Partial
	case Init, GetSession, ClearSession, SaveNow:
	default:
		return Envelope{}, &ProtocolError{Type: cmd.Type(), Err: ErrUnknownType}
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, &ProtocolError{Type: cmd.Type(), Err: err}
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeCommand converts an envelope to a command. An envelope without an ID
// is assigned a fresh one. Unknown types and payloads that are not JSON
// objects yield a *ProtocolError.
func DecodeCommand(env Envelope) (Command, error) {
	h := Header{ID: env.ID}
	if h.ID == "" {
		h.ID = uuid.Must(uuid.NewV7()).String()
	}

	switch env.Type {
	case TypeInit:
		return Init{Header: h}, nil
	case TypeUpdateSession:
		partial, err := decodeFields(env)
		if err != nil {
			return nil, err
		}
		return UpdateSession{Header: h, Partial: partial}, nil
	case TypeSaveMemory:
		partial, err := decodeFields(env)
		if err != nil {
			return nil, err
		}
		return SaveMemory{Header: h, Partial: partial}, nil
	case TypeGetSession:
		return GetSession{Header: h}, nil
	case TypeClearSession:
		return ClearSession{Header: h}, nil
	case TypeSaveNow:
		return SaveNow{Header: h}, nil
	default:
		return nil, &ProtocolError{Type: env.Type, Err: ErrUnknownType}
	}
}

// EncodeEvent converts an event to its envelope.
func EncodeEvent(ev Event) (Envelope, error) {
	env := Envelope{Type: ev.Type()}

	var data any
	switch e := ev.(type) {
	case SessionUpdate:
		data = nonNil(e.Session)
	case MemoryUpdate:
		data = nonNil(e.Memory)
	case SessionResponse:
		data = nonNil(e.Session)
		env.ReplyTo = e.ReplyTo
	case PeriodicSave:
		snap := e.Snapshot
		snap.Session = nonNil(snap.Session)
		snap.Memory = nonNil(snap.Memory)
		data = snap
	case SessionCleared:
	default:
		return Envelope{}, &ProtocolError{Type: ev.Type(), Err: ErrUnknownType}
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, &ProtocolError{Type: ev.Type(), Err: err}
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeEvent converts an envelope to an event.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case TypeSessionUpdate:
		fields, err := decodeFields(env)
		if err != nil {
			return nil, err
		}
		return SessionUpdate{Session: fields}, nil
	case TypeMemoryUpdate:
		fields, err := decodeFields(env)
		if err != nil {
			return nil, err
		}
		return MemoryUpdate{Memory: fields}, nil
	case TypeSessionResponse:
		fields, err := decodeFields(env)
		if err != nil {
			return nil, err
		}
		return SessionResponse{ReplyTo: env.ReplyTo, Session: fields}, nil
	case TypePeriodicSave:
		var snap memory.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return nil, &ProtocolError{Type: env.Type, Err: ErrMalformedData}
		}
		snap.Session = nonNil(snap.Session)
		snap.Memory = nonNil(snap.Memory)
		return PeriodicSave{Snapshot: snap}, nil
	case TypeSessionCleared:
		return SessionCleared{}, nil
	default:
		return nil, &ProtocolError{Type: env.Type, Err: ErrUnknownType}
	}
}

// decodeFields reads env.Data as a JSON object. Absent or null data decodes
// to an empty mapping.
func decodeFields(env Envelope) (memory.Fields, error) {
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return memory.Fields{}, nil
	}
	if trimmed[0] != '{' {
		return nil, &ProtocolError{Type: env.Type, Err: ErrMalformedData}
	}

	var fields memory.Fields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ProtocolError{Type: env.Type, Err: ErrMalformedData}
	}
	return fields, nil
}

func nonNil(f memory.Fields) memory.Fields {
	if f == nil {
		return memory.Fields{}
	}
	return f
}
