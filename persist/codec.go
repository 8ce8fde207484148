package persist

import (
	"encoding/json"
	"fmt"

	"github.com/tailored-agentic-units/sessiond/memory"
)

// SchemaVersion is the record version written by Encode.
const SchemaVersion = 1

// LegacySchemaVersion identifies the unversioned {session, memory, timestamp}
// shape written before records carried a version.
const LegacySchemaVersion = 0

type record struct {
	SchemaVersion int      `json:"schema_version"`
	Snapshot      Snapshot `json:"snapshot"`
}

// probe decodes every field either record shape may carry.
type probe struct {
	SchemaVersion *int            `json:"schema_version"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Session       memory.Fields   `json:"session"`
	Memory        memory.Fields   `json:"memory"`
	Timestamp     *int64          `json:"timestamp"`
}

// Encode serializes a snapshot as a versioned record.
func Encode(s Snapshot) ([]byte, error) {
	s.Session = nonNil(s.Session)
	s.Memory = nonNil(s.Memory)

	data, err := json.Marshal(record{SchemaVersion: SchemaVersion, Snapshot: s})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a record and reports the schema version it was written
// with. Records newer than SchemaVersion fail with ErrUnsupportedSchema.
func Decode(data []byte) (Snapshot, int, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Snapshot{}, 0, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if p.SchemaVersion == nil {
		if p.Session == nil && p.Memory == nil && p.Timestamp == nil {
			return Snapshot{}, 0, fmt.Errorf("%w: no schema_version and no legacy fields", ErrMalformedRecord)
		}

		s := Snapshot{Session: nonNil(p.Session), Memory: nonNil(p.Memory)}
		if p.Timestamp != nil {
			s.TakenAt = *p.Timestamp
		}
		return s, LegacySchemaVersion, nil
	}

	version := *p.SchemaVersion
	if version != SchemaVersion {
		return Snapshot{}, version, fmt.Errorf("%w: %d", ErrUnsupportedSchema, version)
	}

	if len(p.Snapshot) == 0 || string(p.Snapshot) == "null" {
		return Snapshot{}, version, fmt.Errorf("%w: missing snapshot", ErrMalformedRecord)
	}

	var s Snapshot
	if err := json.Unmarshal(p.Snapshot, &s); err != nil {
		return Snapshot{}, version, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	s.Session = nonNil(s.Session)
	s.Memory = nonNil(s.Memory)
	return s, version, nil
}

func nonNil(f memory.Fields) memory.Fields {
	if f == nil {
		return memory.Fields{}
	}
	return f
}
