package blobstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const memScheme = "mem://"

// MemoryStore keeps blobs in a map and hands out mem:// URLs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[k] = slices.Clone(data)
	return memScheme + k, nil
}

func (s *MemoryStore) Get(ctx context.Context, url string) ([]byte, error) {
	k, ok := strings.CutPrefix(url, memScheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, url)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, url)
	}
	return slices.Clone(data), nil
}
