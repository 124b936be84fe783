package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// StagingPrefix holds in-flight chunk data. Object keys produced by the filename
// sanitizer never start with a dot, so user objects cannot collide with it.
const StagingPrefix = ".staging/"

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrSizeMismatch   = errors.New("object size does not match declared length")
)

// ObjectInfo describes a committed object.
type ObjectInfo struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable object store used by both upload paths.
//
// Put must be atomic from a reader's perspective: either the full object becomes
// visible under key or the previous state remains. size is the expected length of
// body, or -1 when unknown.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// IsStaging reports whether key belongs to the chunk staging area.
func IsStaging(key string) bool {
	return strings.HasPrefix(key, StagingPrefix)
}

// ListLive lists committed objects, excluding staged chunks.
func ListLive(ctx context.Context, s Store) ([]ObjectInfo, error) {
	all, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	live := make([]ObjectInfo, 0, len(all))
	for _, o := range all {
		if !IsStaging(o.Key) {
			live = append(live, o)
		}
	}
	return live, nil
}

// ctxReader stops a long copy once the request context is gone.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
