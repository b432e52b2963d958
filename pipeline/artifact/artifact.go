// Package artifact stores stage outputs and audit results outside the
// execution table. Executions carry only an opaque reference string; the
// bytes live in an S3-compatible object store or, for tests and small
// deployments, in memory.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when the referenced artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Ref identifies a stored artifact. Its string form is scheme://bucket/key,
// which is what executions persist in their output_ref column.
type Ref struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the reference in scheme://bucket/key form.
func (r Ref) String() string {
	return fmt.Sprintf("%s://%s/%s", r.Scheme, r.Bucket, r.Key)
}

// ParseRef parses a scheme://bucket/key reference string.
func ParseRef(s string) (Ref, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Ref{}, fmt.Errorf("invalid artifact ref %q: missing scheme", s)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return Ref{}, fmt.Errorf("invalid artifact ref %q: want scheme://bucket/key", s)
	}
	return Ref{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// ObjectInfo describes a stored artifact.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store abstracts artifact storage. Implementations mint the reference on
// Put so callers never assemble bucket paths by hand.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Ref, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, ref Ref) (ObjectInfo, error)
	Delete(ctx context.Context, ref Ref) error
}
