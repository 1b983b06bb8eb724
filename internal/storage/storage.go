package storage

import (
	"context"
	"io"
)

// FileStorage abstracts file persistence. Local-disk today, S3 later.
type FileStorage interface {
	// Save persists file content and returns the storage path used for
	// later retrieval and deletion.
	Save(ctx context.Context, fileID, filename string, reader io.Reader) (storagePath string, err error)
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
	Delete(ctx context.Context, storagePath string) error
}
