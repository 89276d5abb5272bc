// Package storage is the object-store side of the gateway: key naming, public
// URL construction and the Store capability implemented by the MinIO and AWS
// SDK backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"
)

const (
	// DefaultPresignPutTTL is how long a presigned upload URL stays valid.
	DefaultPresignPutTTL = 15 * time.Minute
	// DefaultPresignGetTTL is how long a presigned download URL stays valid.
	DefaultPresignGetTTL = 5 * time.Minute
)

// ObjectInfo is the listing view of a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the set of object-store operations the gateway relies on. Every
// implementation is bound to a single bucket.
type Store interface {
	// Bucket returns the bucket this store operates on.
	Bucket() string

	// BucketExists reports whether the bucket is present (head-bucket).
	BucketExists(ctx context.Context) (bool, error)

	// MakeBucket creates the bucket.
	MakeBucket(ctx context.Context) error

	// PutObject uploads r under key and returns the stored size. size may be
	// -1 when unknown.
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)

	// PresignedPutURL returns a URL that lets a client upload key directly.
	// The content type is part of the signature.
	PresignedPutURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// PresignedGetURL returns a URL that lets a client download key directly.
	PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects enumerates every object whose key starts with prefix. The
	// sequence pages through the backend lazily and can be ranged over again
	// to restart the listing. An error ends the sequence.
	ListObjects(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
}

var (
	// ErrUnavailable matches store errors caused by the backend being
	// unreachable or failing internally.
	ErrUnavailable = errors.New("object store unavailable")
	// ErrRejected matches store errors where the backend refused the request
	// (permissions, quota, missing bucket).
	ErrRejected = errors.New("object store rejected request")
)

// Error describes a failed object-store operation.
type Error struct {
	Op          string
	Key         string
	Unavailable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers test the failure class with errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Unavailable
	case ErrRejected:
		return !e.Unavailable
	}
	return false
}

// EnsureBucket creates the store's bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, s Store) (created bool, err error) {
	exists, err := s.BucketExists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.MakeBucket(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect(seq iter.Seq2[ObjectInfo, error]) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
