// Package store provides the key-value persistence contract consumed by
// the session registry and the task engines. Values are opaque JSON blobs;
// callers own their schemas. Two backends are provided: an embedded Badger
// database for single-binary deployments and PostgreSQL for shared ones.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal durable contract the core depends on.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	Close() error
}

// Key layout. Keys are namespaced per record family and tenant so List
// over a prefix yields exactly one family.
const (
	prefixSession = "session:"
	prefixActive  = "active:"
	prefixTask    = "task:"
	prefixSearch  = "search:"
)

// SessionKey returns the key for one session record.
func SessionKey(tenant, sessionID string) string {
	return prefixSession + tenant + ":" + sessionID
}

// SessionPrefix returns the prefix covering all of a tenant's sessions.
func SessionPrefix(tenant string) string {
	return prefixSession + tenant + ":"
}

// ActiveSessionKey returns the key recording a tenant's last active
// session id, used for best-effort reconnect after restart.
func ActiveSessionKey(tenant string) string {
	return prefixActive + tenant
}

// ActivePrefix covers every tenant's active-session marker; listing it
// enumerates the known tenants on startup.
func ActivePrefix() string {
	return prefixActive
}

// TaskRootPrefix covers every tenant's task records; listing it finds
// tenants with persisted tasks even when their active-session marker is
// gone.
func TaskRootPrefix() string {
	return prefixTask
}

// TaskKey returns the key for one task record.
func TaskKey(tenant, taskID string) string {
	return prefixTask + tenant + ":" + taskID
}

// TaskPrefix returns the prefix covering all of a tenant's tasks.
func TaskPrefix(tenant string) string {
	return prefixTask + tenant + ":"
}

// SearchResultsKey returns the key for a tenant's poller result buffer.
func SearchResultsKey(tenant string) string {
	return prefixSearch + tenant
}
