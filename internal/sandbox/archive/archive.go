// Package archive stores compressed execution transcripts in object storage.
package archive

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"

	"sandboxd/internal/common/storage"
	appErr "sandboxd/pkg/errors"
)

const (
	contentType     = "text/plain; charset=utf-8"
	contentEncoding = "zstd"
	objectSuffix    = ".log.zst"
)

// Store writes transcripts under prefix in bucket.
type Store struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// New creates a store. The encoder and decoder are shared and only used through their
// stateless EncodeAll and DecodeAll methods.
func New(objects storage.ObjectStorage, bucket, prefix string) (*Store, error) {
	if objects == nil {
		return nil, appErr.New(appErr.StorageFailed).WithMessage("object storage is not configured")
	}
	if bucket == "" {
		return nil, appErr.ValidationError("bucket", "required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "create zstd encoder failed")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "create zstd decoder failed")
	}
	return &Store{storage: objects, bucket: bucket, prefix: strings.Trim(prefix, "/"), enc: enc, dec: dec}, nil
}

// EnsureBucket creates the bucket if missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if err := s.storage.EnsureBucket(ctx, s.bucket); err != nil {
		return appErr.Wrapf(err, appErr.StorageFailed, "ensure archive bucket failed")
	}
	return nil
}

// Archive compresses transcript and uploads it. The returned object key is what Fetch takes.
func (s *Store) Archive(ctx context.Context, key string, transcript []byte) (string, error) {
	if key == "" {
		return "", appErr.ValidationError("key", "required")
	}
	objectKey := s.objectKey(key)
	compressed := s.enc.EncodeAll(transcript, make([]byte, 0, len(transcript)/2+64))
	meta := storage.ObjectMeta{
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
	}
	if err := s.storage.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(compressed), int64(len(compressed)), meta); err != nil {
		return "", appErr.Wrapf(err, appErr.ArchiveFailed, "upload transcript failed")
	}
	return objectKey, nil
}

// Fetch downloads and decompresses an archived transcript.
func (s *Store) Fetch(ctx context.Context, objectKey string) ([]byte, error) {
	rc, err := s.storage.GetObject(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageFailed, "download transcript failed")
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageFailed, "read transcript failed")
	}
	out, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "decompress transcript failed")
	}
	return out, nil
}

// Close releases the decoder.
func (s *Store) Close() {
	s.dec.Close()
	_ = s.enc.Close()
}

func (s *Store) objectKey(key string) string {
	name := key
	if !strings.HasSuffix(name, objectSuffix) {
		name += objectSuffix
	}
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}
