package memory

import "time"

// Snapshot is an immutable capture of a Store. TakenAt is epoch milliseconds.
type Snapshot struct {
	Session Fields `json:"session"`
	Memory  Fields `json:"memory"`
	TakenAt int64  `json:"taken_at_ms"`
}

// Snapshot captures copies of both maps stamped with takenAt (epoch ms).
func (s *Store) Snapshot(takenAt int64) Snapshot {
	return Snapshot{
		Session: s.session.Clone(),
		Memory:  s.memory.Clone(),
		TakenAt: takenAt,
	}
}

// Time returns TakenAt as a time.Time.
func (s Snapshot) Time() time.Time {
	return time.UnixMilli(s.TakenAt)
}

// Equal reports whether two snapshots are structurally equal.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.TakenAt == other.TakenAt &&
		s.Session.Equal(other.Session) &&
		s.Memory.Equal(other.Memory)
}
