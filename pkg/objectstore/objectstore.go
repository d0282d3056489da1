package objectstore

import (
	"context"
	"errors"
)

// ErrMissingObject is returned by Get when the object does not exist.
// A key read from the store implies a prior successful Put, so a missing
// object is a fatal inconsistency, not a retryable condition.
var ErrMissingObject = errors.New("objectstore: object missing")

// Store is the byte-addressable get/put capability the queue core consumes
// when payloads are stored externally.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
}
