package persist

import "errors"

// Sentinel errors for store operations.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrLoadFailed  = errors.New("load failed")
	ErrSaveFailed  = errors.New("save failed")
)

// Sentinel errors for snapshot records and configuration.
var (
	ErrNoSnapshot        = errors.New("no snapshot stored")
	ErrUnsupportedSchema = errors.New("unsupported snapshot schema version")
	ErrMalformedRecord   = errors.New("malformed snapshot record")
	ErrUnknownStore      = errors.New("unknown store type")
	ErrUnknownRetention  = errors.New("unknown retention policy")
)
