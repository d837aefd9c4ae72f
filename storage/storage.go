// Package storage mirrors small JSON blobs into a process-local session
// store and a durable SQLite store, so a separate viewer process can follow
// a run that another process is executing.
package storage

import "context"

// StatusKey holds the latest RunStatus.
const StatusKey = "optqueue.run.status"

// KV is a minimal key/value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
