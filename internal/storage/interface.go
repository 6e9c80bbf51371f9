package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object storage operations used for result exports
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// URL returns a URL a client can download the object from
	URL(ctx context.Context, key string) (string, error)
}
