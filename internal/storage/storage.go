// Package storage holds the durable stores the engine persists to: a small
// object store for records that are read and written often, and a blob store
// for large values.
package storage

import "context"

// Buckets partition records by concern. Keys inside a bucket are thread ids,
// job ids, or dedup keys, so concurrent threads never share a key.
const (
	BucketDrafts   = "drafts"
	BucketOutbox   = "outbox"
	BucketUploads  = "uploads"
	BucketScroll   = "scroll"
	BucketMessages = "messages"
)

// Store is a bucketed key/value store. Values are encoded by the
// implementation.
type Store interface {
	// Get decodes the value at bucket/key into dst and reports whether it
	// exists.
	Get(ctx context.Context, bucket, key string, dst any) (bool, error)
	Put(ctx context.Context, bucket, key string, value any) error
	// Delete removes bucket/key. Deleting a missing key is not an error.
	Delete(ctx context.Context, bucket, key string) error
	// Keys lists keys in bucket in ascending order.
	Keys(ctx context.Context, bucket string) ([]string, error)
	Close() error
}
