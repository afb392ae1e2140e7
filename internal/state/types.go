package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxSessionAge is how long a session snapshot stays usable after its last save.
const DefaultMaxSessionAge = 4 * time.Hour

// Namespace labels one of the two independent key spaces a Store reads and writes.
type Namespace string

const (
	NamespaceProfile Namespace = "profile"
	NamespaceSession Namespace = "session"
)

// Profile is durable per-user data owned by the dialog engine. It never expires.
type Profile map[string]any

// Frame is one entry on a dialog call stack. Its State is opaque to the store.
type Frame struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state,omitempty"`
}

// Session is the expiring per-user dialog snapshot.
type Session struct {
	CallStack  []Frame `json:"callstack"`
	LastAccess int64   `json:"lastAccess"`
}

// Storage is a single key/value namespace. Get returns nil data, nil error for
// a missing key. Implementations must tolerate concurrent use for distinct and
// identical keys.
type Storage interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Save(ctx context.Context, key string, data json.RawMessage) error
	Close() error
}

// StoreError reports a failed read or write against one namespace.
type StoreError struct {
	Op        string
	Namespace Namespace
	Key       string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state %s %s %q: %v", e.Op, e.Namespace, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err came from a state namespace.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
