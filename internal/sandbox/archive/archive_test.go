package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"sandboxd/internal/common/storage"
	"sandboxd/internal/sandbox/archive"
	appErr "sandboxd/pkg/errors"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]storage.ObjectMeta
	buckets map[string]bool
	putErr  error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, meta: map[string]storage.ObjectMeta{}, buckets: map[string]bool{}}
}

func (m *memStorage) EnsureBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, meta storage.ObjectMeta) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.meta[bucket+"/"+key] = meta
	return nil
}

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, errors.New("no such key")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	objects := newMemStorage()
	s, err := archive.New(objects, "transcripts", "/node-a/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatal(err)
	}

	transcript := []byte(strings.Repeat("make: *** [all] Error 2\n", 500))
	key, err := s.Archive(ctx, "exec-1/compile", transcript)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if key != "node-a/exec-1/compile.log.zst" {
		t.Fatalf("key = %q", key)
	}
	stored := objects.objects["transcripts/"+key]
	if len(stored) >= len(transcript) {
		t.Fatalf("stored %d bytes for %d byte transcript", len(stored), len(transcript))
	}
	if objects.meta["transcripts/"+key].ContentEncoding != "zstd" {
		t.Fatalf("meta = %+v", objects.meta["transcripts/"+key])
	}

	got, err := s.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(got, transcript) {
		t.Fatal("transcript changed after round trip")
	}
}

func TestArchiveErrors(t *testing.T) {
	t.Parallel()

	if _, err := archive.New(nil, "b", ""); !appErr.Is(err, appErr.StorageFailed) {
		t.Fatalf("New(nil) error = %v", err)
	}
	if _, err := archive.New(newMemStorage(), "", ""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("New(no bucket) error = %v", err)
	}

	objects := newMemStorage()
	objects.putErr = errors.New("connection reset")
	s, err := archive.New(objects, "b", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Archive(context.Background(), "k", []byte("x")); !appErr.Is(err, appErr.ArchiveFailed) {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := s.Archive(context.Background(), "", []byte("x")); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("Archive(empty key) error = %v", err)
	}
	if _, err := s.Fetch(context.Background(), "missing"); !appErr.Is(err, appErr.StorageFailed) {
		t.Fatalf("Fetch() error = %v", err)
	}
}
