package model

import (
	"context"
	"io"
)

// ObjectStorage stores opaque objects by key.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}
