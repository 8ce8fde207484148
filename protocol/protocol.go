// Package protocol defines the closed message set exchanged between a
// session agent and its client.
//
// Commands flow client→agent and events flow agent→client. Both are sealed
// interfaces: only the types declared here implement them, so a type switch
// over a Command or Event is exhaustive. The untyped {type, data} envelope
// exists only at process edges (see Envelope).
//
//	cmd := protocol.NewUpdateSession(memory.Fields{"caseId": "A1"})
//	env, _ := protocol.EncodeCommand(cmd)
//	// {"type":"UPDATE_SESSION","data":{"caseId":"A1"},"id":"0190..."}
package protocol

import (
	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sessiond/memory"
)

// Type is the wire name of a message.
type Type string

// Command types (client→agent).
const (
	TypeInit          Type = "INIT"
	TypeUpdateSession Type = "UPDATE_SESSION"
	TypeSaveMemory    Type = "SAVE_MEMORY"
	TypeGetSession    Type = "GET_SESSION"
	TypeClearSession  Type = "CLEAR_SESSION"
	TypeSaveNow       Type = "SAVE_NOW"
)

// Event types (agent→client).
const (
	TypeSessionUpdate   Type = "SESSION_UPDATE"
	TypeMemoryUpdate    Type = "MEMORY_UPDATE"
	TypeSessionResponse Type = "SESSION_RESPONSE"
	TypePeriodicSave    Type = "PERIODIC_SAVE"
	TypeSessionCleared  Type = "SESSION_CLEARED"
)

// Command is a message sent by a client to the agent.
type Command interface {
	Type() Type
	// CommandID returns the UUIDv7 assigned when the command was built.
	CommandID() string
	command()
}

// Header carries the identity shared by every command.
type Header struct {
	ID string
}

func (h Header) CommandID() string { return h.ID }

func (Header) command() {}

func newHeader() Header {
	return Header{ID: uuid.Must(uuid.NewV7()).String()}
}

// Init moves the agent from Uninitialized to Running.
type Init struct{ Header }

// UpdateSession merges Partial into the session map.
type UpdateSession struct {
	Header
	Partial memory.Fields
}

// SaveMemory merges Partial into the memory map.
type SaveMemory struct {
	Header
	Partial memory.Fields
}

// GetSession requests a SessionResponse correlated by the command ID.
type GetSession struct{ Header }

// ClearSession empties both maps.
type ClearSession struct{ Header }

// SaveNow requests an immediate PeriodicSave outside the timer cadence.
type SaveNow struct{ Header }

func (Init) Type() Type          { return TypeInit }
func (UpdateSession) Type() Type { return TypeUpdateSession }
func (SaveMemory) Type() Type    { return TypeSaveMemory }
func (GetSession) Type() Type    { return TypeGetSession }
func (ClearSession) Type() Type  { return TypeClearSession }
func (SaveNow) Type() Type       { return TypeSaveNow }

func NewInit() Init { return Init{Header: newHeader()} }

func NewUpdateSession(partial memory.Fields) UpdateSession {
	return UpdateSession{Header: newHeader(), Partial: partial}
}

func NewSaveMemory(partial memory.Fields) SaveMemory {
	return SaveMemory{Header: newHeader(), Partial: partial}
}

func NewGetSession() GetSession     { return GetSession{Header: newHeader()} }
func NewClearSession() ClearSession { return ClearSession{Header: newHeader()} }
func NewSaveNow() SaveNow           { return SaveNow{Header: newHeader()} }

// Event is a message emitted by the agent.
type Event interface {
	Type() Type
	event()
}

// SessionUpdate carries the full session map after a merge.
type SessionUpdate struct {
	Session memory.Fields
}

// MemoryUpdate carries the full memory map after a merge.
type MemoryUpdate struct {
	Memory memory.Fields
}

// SessionResponse answers the GetSession whose ID equals ReplyTo.
type SessionResponse struct {
	ReplyTo string
	Session memory.Fields
}

// PeriodicSave carries a snapshot taken on a timer tick or on request.
type PeriodicSave struct {
	Snapshot memory.Snapshot
	OnDemand bool
}

// SessionCleared reports that both maps were emptied.
type SessionCleared struct{}

func (SessionUpdate) Type() Type   { return TypeSessionUpdate }
func (MemoryUpdate) Type() Type    { return TypeMemoryUpdate }
func (SessionResponse) Type() Type { return TypeSessionResponse }
func (PeriodicSave) Type() Type    { return TypePeriodicSave }
func (SessionCleared) Type() Type  { return TypeSessionCleared }

func (SessionUpdate) event()   {}
func (MemoryUpdate) event()    {}
func (SessionResponse) event() {}
func (PeriodicSave) event()    {}
func (SessionCleared) event()  {}
