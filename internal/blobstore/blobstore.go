// Package blobstore holds payload bodies too large to pass inline.
package blobstore

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned when a URL names no stored blob.
var ErrBlobNotFound = errors.New("blob not found")

// ErrUnsupportedURL is returned when a store cannot serve a URL's scheme.
var ErrUnsupportedURL = errors.New("unsupported blob url")

// Store writes blobs under keys and reads them back by URL.
type Store interface {
	// Put stores data under key and returns the URL it can be read from.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// NewKey returns a unique key below prefix, e.g. "payloads/<uuid>.json".
func NewKey(prefix string) string {
	return path.Join(prefix, uuid.NewString()+".json")
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || strings.HasPrefix(key, "/") || k != key {
		return "", errors.New("invalid blob key " + key)
	}
	return k, nil
}
