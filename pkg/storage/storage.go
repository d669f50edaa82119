// Package storage persists opaque blobs (series CSVs, model artifacts) by key.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Client is the blob store used by the forecast cycle and the dashboard.
type Client interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// PresignURL returns a link that lets a browser download key for ttl.
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
