// SPDX-License-Identifier: MIT

// Package storage implements the persistent tier (L3). Entries outlive
// the process and the upstream signature; they are only removed by an
// explicit prefix purge.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for the key. It is
// the only benign read error; everything else is an infrastructure fault.
var ErrNotFound = errors.New("storage: entry not found")

// Metadata is the sidecar record stored next to the image bytes.
type Metadata struct {
	OriginalURL    string    `json:"originalUrl"`
	ContentType    string    `json:"contentType"`
	OriginalSize   int64     `json:"originalSize"`
	CachedSize     int64     `json:"cachedSize"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	BlockID        string    `json:"blockId,omitempty"`
	CachedAt       time.Time `json:"cachedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
}

// Object is one stored entry: the bytes plus the sidecar record.
type Object struct {
	Bytes []byte
	Meta  Metadata
}

// Backend is the persistent-store contract. Implementations are safe
// for concurrent use across goroutines; cross-process writers may race,
// which is acceptable because keys are content-addressed.
type Backend interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)

	// Put stores bytes and metadata under key. Atomicity across the
	// pair is not required.
	Put(ctx context.Context, key string, b []byte, m Metadata) error

	// Exists reports whether key is present without reading the bytes.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes one entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every entry under the invalidation prefix
	// and returns how many were deleted.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) error

	// Name identifies the variant ("fs", "s3").
	Name() string
}

// SanitizeKey maps a cache key onto a single path-safe token. Every
// character outside [A-Za-z0-9_-] becomes an underscore, including the
// key's own "/" separator, so one key maps to exactly one file pair and
// traversal sequences cannot survive.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
