// Package filestore reads line-protocol payloads from object storage, so a
// bulk write can be fed from a bucket instead of a local file.
//
// Providers implement Store. Callers depend only on this package, never on
// a specific provider package.
//
// Usage:
//
//	store, err := minio.New(cfg.ObjectStore)
//	if err != nil { ... }
//	defer store.Close()
//
//	loc, _ := filestore.ParseURI("s3://ingest/2024/06/")
//	payloads, err := filestore.ReadPayloads(ctx, store, loc, cfg.ObjectStore.MaxObjectSize)
package filestore

import "context"

// Store is the read-only interface object storage providers implement.
type Store interface {
	// Ping verifies the storage backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error

	// ListObjects returns the objects in bucket that match opts.
	// Virtual directory entries are included when opts.Recursive is false.
	ListObjects(ctx context.Context, bucket string, opts ListOptions) ([]ObjectInfo, error)

	// GetObject opens a streaming handle to the object at key inside bucket.
	// The caller MUST call Object.Close() after reading.
	GetObject(ctx context.Context, bucket, key string) (Object, error)
}
