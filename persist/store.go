// Package persist provides durable storage for session snapshots. It
// separates a byte-oriented key/value Store, with interchangeable backends,
// from the snapshot record codec and the single-slot Writer that the client
// facade drives on every PERIODIC_SAVE.
package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/tailored-agentic-units/sessiond/memory"
)

// Snapshot is the unit of durability.
type Snapshot = memory.Snapshot

// Entry is a key-value pair. Keys are /-separated paths and values are raw
// bytes.
type Entry struct {
	Key   string
	Value []byte
}

// Store translates between external storage and the key/value namespace.
// Implementations are stateless: they perform I/O on each call without
// caching, and are safe for concurrent use.
type Store interface {
	// List returns all available keys in the store in ascending order.
	List(ctx context.Context) ([]string, error)
	// Load retrieves entries for the specified keys.
	Load(ctx context.Context, keys ...string) ([]Entry, error)
	// Save persists entries to storage, creating or overwriting as needed.
	Save(ctx context.Context, entries ...Entry) error
	// Delete removes entries from storage. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Close releases backend resources.
	Close() error
}

// HistoryPrefix returns the key prefix under which history copies of key
// are stored.
func HistoryPrefix(key string) string {
	return key + "/history/"
}

// HistoryKey returns the history key for the seq-th snapshot of key taken
// at takenAt (epoch ms). Both parts are zero-padded so lexical order is
// write order.
func HistoryKey(key string, takenAt int64, seq int) string {
	return fmt.Sprintf("%s%020d-%06d", HistoryPrefix(key), takenAt, seq)
}

func filterPrefix(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
