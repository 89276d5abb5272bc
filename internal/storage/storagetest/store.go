// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"s3-gateway/internal/storage"
)

// Object is a stored object held in memory.
type Object struct {
	Data         []byte
	ContentType  string
	LastModified time.Time
}

// Store is a storage.Store backed by a map. Set the *Err fields to make the
// matching operation fail.
type Store struct {
	mu      sync.Mutex
	bucket  string
	exists  bool
	objects map[string]Object

	// Now stamps LastModified; defaults to time.Now.
	Now func() time.Time

	HeadErr   error
	MakeErr   error
	PutErr    error
	DeleteErr error
	ListErr   error
	PageSize  int

	Puts    []string
	Deletes []string
}

// New returns an empty store whose bucket already exists.
func New(bucket string) *Store {
	return &Store{
		bucket:   bucket,
		exists:   true,
		objects:  make(map[string]Object),
		PageSize: 2,
	}
}

// Unavailable wraps err the way a real backend reports an outage.
func Unavailable(op string, err error) error {
	return &storage.Error{Op: op, Unavailable: true, Err: err}
}

// Rejected wraps err the way a real backend reports a refused request.
func Rejected(op string, err error) error {
	return &storage.Error{Op: op, Err: err}
}

// DropBucket makes BucketExists report false.
func (s *Store) DropBucket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = false
}

// Seed stores an object directly, bypassing PutErr and the call log.
func (s *Store) Seed(key string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: data, LastModified: modified}
}

// Get returns the object stored under key.
func (s *Store) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HeadErr != nil {
		return false, s.HeadErr
	}
	return s.exists, nil
}

func (s *Store) MakeBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MakeErr != nil {
		return s.MakeErr
	}
	s.exists = true
	return nil
}

func (s *Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	if s.PutErr != nil {
		return 0, s.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, Unavailable("put object", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return 0, Rejected("put object", fmt.Errorf("size mismatch: declared %d, read %d", size, len(data)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: data, ContentType: contentType, LastModified: s.now()}
	s.Puts = append(s.Puts, key)
	return int64(len(data)), nil
}

func (s *Store) PresignedPutURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.presign("put", key, contentType, ttl), nil
}

func (s *Store) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.presign("get", key, "", ttl), nil
}

func (s *Store) presign(op, key, contentType string, ttl time.Duration) string {
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", fmt.Sprint(int(ttl.Seconds())))
	if contentType != "" {
		q.Set("content-type", contentType)
	}
	return "https://presigned.test/" + s.bucket + "/" + key + "?" + q.Encode()
}

func (s *Store) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes = append(s.Deletes, key)
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, key)
	return nil
}

// ListObjects yields keys in lexicographic order, one "page" of PageSize keys
// at a time, taking a fresh snapshot for each page.
func (s *Store) ListObjects(ctx context.Context, prefix string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		after := ""
		for {
			page, more, err := s.page(prefix, after)
			if err != nil {
				yield(storage.ObjectInfo{}, err)
				return
			}
			for _, obj := range page {
				if !yield(obj, nil) {
					return
				}
				after = obj.Key
			}
			if !more {
				return
			}
		}
	}
}

func (s *Store) page(prefix, after string) ([]storage.ObjectInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, false, s.ListErr
	}
	if !s.exists {
		return nil, false, Rejected("list objects", errors.New("NoSuchBucket"))
	}

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	size := s.PageSize
	if size <= 0 {
		size = len(keys)
	}
	more := len(keys) > size
	if more {
		keys = keys[:size]
	}

	out := make([]storage.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		o := s.objects[k]
		out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(o.Data)), LastModified: o.LastModified})
	}
	return out, more, nil
}
