// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	name string

	mu   sync.RWMutex
	data map[string][]byte
	err  error
	puts int
}

// NewBlobStore creates a new in-memory blob store. The name becomes the URI host.
func NewBlobStore(name string) *BlobStore {
	if name == "" {
		name = "memory"
	}
	return &BlobStore{
		name: name,
		data: make(map[string][]byte),
	}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", fmt.Errorf("put %s: %w", path, s.err)
	}
	s.data[path] = append([]byte(nil), byteData...)
	s.puts++
	return s.uri(path), nil
}

// Exists reports whether path has been written.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return false, fmt.Errorf("stat %s: %w", path, s.err)
	}
	_, ok := s.data[path]
	return ok, nil
}

// Get returns a copy of the stored bytes.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Puts counts successful writes.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Delete drops path, simulating a replica that lost the object.
func (s *BlobStore) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
}

// SetOffline makes every call fail with err until it is called again with nil.
func (s *BlobStore) SetOffline(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *BlobStore) uri(path string) string {
	return fmt.Sprintf("memory://%s/%s", s.name, path)
}
