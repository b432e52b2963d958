package artifact

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sync"
	"time"
)

const memScheme = "mem"

type memObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// MemStore implements Store in process memory. Intended for tests and
// single-process deployments that do not need durable artifacts.
type MemStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memObject
}

// NewMemStore creates an empty in-memory artifact store.
func NewMemStore(bucket string) *MemStore {
	if bucket == "" {
		bucket = "audits"
	}
	return &MemStore{
		bucket:  bucket,
		objects: make(map[string]memObject),
	}
}

func (s *MemStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Ref, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Ref{}, fmt.Errorf("read artifact body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Ref{}, fmt.Errorf("artifact body is %d bytes, declared %d", len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{
		data:         data,
		contentType:  contentType,
		lastModified: time.Now(),
	}
	return Ref{Scheme: memScheme, Bucket: s.bucket, Key: key}, nil
}

func (s *MemStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[ref.Key]
	s.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), s.info(ref.Key, obj), nil
}

func (s *MemStore) Stat(ctx context.Context, ref Ref) (ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[ref.Key]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return s.info(ref.Key, obj), nil
}

func (s *MemStore) Delete(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref.Key)
	return nil
}

func (s *MemStore) info(key string, obj memObject) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         fmt.Sprintf("%x", md5.Sum(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
	}
}
