package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store used for execution transcripts.
type ObjectStorage interface {
	// EnsureBucket creates bucket when it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error

	// PutObject uploads sizeBytes from reader. sizeBytes may be -1 for unknown length.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, meta ObjectMeta) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectMeta is written alongside an object.
type ObjectMeta struct {
	ContentType     string
	ContentEncoding string
	UserMetadata    map[string]string
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes       int64
	ETag            string
	ContentType     string
	ContentEncoding string
}
