package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks object storage for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ImportArchiver keeps an audit copy of imported export files in object
// storage. Local files are never removed.
type ImportArchiver interface {
	ArchiveImport(ctx context.Context, id FileIdentity) (string, error)
}
