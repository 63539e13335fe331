package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one object in the archive bucket as seen by a listing.
// ContentType is only populated when the backend reports it; S3
// listings do not.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads archive objects. Put is for objects comfortably
// held in one request; PutMultipart streams larger payloads in parts
// of roughly partSize bytes.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves archive objects. Get returns an error wrapping
// ErrNotFound for a missing path; the caller closes the body. List
// walks everything under prefix.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies settled-strategy history from the database to cold
// storage. Nothing is deleted from the primary store; closed strategies
// remain for audit.
type Archiver interface {
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
