// Package blob stores CV assets (photos, imported documents, archived PDFs).
package blob

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/labcv/labcv/supabase/client"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Bucket is an object store scoped to one bucket.
type Bucket interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, paths ...string) error
}

// Supabase adapts a Supabase Storage bucket.
type Supabase struct {
	bucket *client.BucketClient
}

var _ Bucket = (*Supabase)(nil)

func NewSupabase(c *client.Client, bucket string) *Supabase {
	return &Supabase{bucket: c.Storage().From(bucket)}
}

// Put uploads with upsert so archived PDFs can be replaced.
func (s *Supabase) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return s.bucket.Upload(ctx, path, data, contentType, true)
}

func (s *Supabase) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.Download(ctx, path)
	if client.IsStatus(err, 404) || client.IsStatus(err, 400) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *Supabase) Delete(ctx context.Context, paths ...string) error {
	return s.bucket.Delete(ctx, paths)
}

// Memory keeps objects in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data        []byte
	contentType string
}

var _ Bucket = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = object{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Delete(_ context.Context, paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.objects, p)
	}
	return nil
}

// Keys lists stored paths with the given prefix.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
