package memory

// Store holds the SessionState and MemoryStore of one agent. Both maps start
// empty and only change through MergeSession, MergeMemory and Clear.
// Store is not safe for concurrent use.
type Store struct {
	session Fields
	memory  Fields
}

// NewStore creates a Store with empty session and memory maps.
func NewStore() *Store {
	return &Store{
		session: make(Fields),
		memory:  make(Fields),
	}
}

// MergeSession merges partial into the session map and returns a copy of
// the full result.
func (s *Store) MergeSession(partial Fields) Fields {
	s.session.Merge(partial)
	return s.session.Clone()
}

// MergeMemory merges partial into the memory map and returns a copy of the
// full result.
func (s *Store) MergeMemory(partial Fields) Fields {
	s.memory.Merge(partial)
	return s.memory.Clone()
}

// Session returns a copy of the session map.
func (s *Store) Session() Fields {
	return s.session.Clone()
}

// Memory returns a copy of the memory map.
func (s *Store) Memory() Fields {
	return s.memory.Clone()
}

// Clear empties both maps.
func (s *Store) Clear() {
	s.session = make(Fields)
	s.memory = make(Fields)
}

// Size reports the number of keys in the session and memory maps.
func (s *Store) Size() (session, memory int) {
	return len(s.session), len(s.memory)
}
