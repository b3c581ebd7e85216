// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/imgvault/imgvault/internal/log"
)

const (
	binExt  = ".bin"
	metaExt = ".json"
)

// FS stores entries as file pairs under a two-character shard directory:
// <root>/<K[0:2]>/<sanitised rest>.bin plus the .json sidecar.
type FS struct {
	root   string
	logger zerolog.Logger
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("fs storage: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs storage: create root: %w", err)
	}
	return &FS{root: root, logger: log.WithComponent("storage.fs")}, nil
}

// shard splits a key into its shard directory and sanitised file stem.
func (f *FS) shard(key string) (dir, stem string) {
	if len(key) < 3 {
		// Degenerate keys cannot shard; park them under one bucket.
		return filepath.Join(f.root, "__"), SanitizeKey(key)
	}
	return filepath.Join(f.root, SanitizeKey(key[:2])), SanitizeKey(key[2:])
}

func (f *FS) paths(key string) (bin, meta string) {
	dir, stem := f.shard(key)
	return filepath.Join(dir, stem+binExt), filepath.Join(dir, stem+metaExt)
}

// Get reads the byte file and sidecar. A missing byte file is
// ErrNotFound; a broken sidecar degrades to empty metadata because the
// bytes are still servable. Access stats are bumped in the background.
func (f *FS) Get(ctx context.Context, key string) (*Object, error) {
	binPath, metaPath := f.paths(key)

	b, err := os.ReadFile(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fs storage: read %s: %w", key, err)
	}

	var m Metadata
	if raw, err := os.ReadFile(metaPath); err != nil {
		f.logger.Warn().Err(err).Str(log.FieldCacheKey, key).
			Msg("metadata sidecar unreadable, serving bytes without it")
	} else if err := json.Unmarshal(raw, &m); err != nil {
		f.logger.Warn().Err(err).Str(log.FieldCacheKey, key).
			Msg("metadata sidecar corrupt, serving bytes without it")
		m = Metadata{}
	}

	go f.touch(key, metaPath, m)

	return &Object{Bytes: b, Meta: m}, nil
}

// touch rewrites the sidecar with updated access stats. Best-effort: a
// failure must never affect the read that triggered it.
func (f *FS) touch(key, metaPath string, m Metadata) {
	m.LastAccessedAt = time.Now().UTC()
	m.AccessCount++
	raw, err := json.Marshal(m)
	if err == nil {
		err = renameio.WriteFile(metaPath, raw, 0o644)
	}
	if err != nil {
		f.logger.Debug().Err(err).Str(log.FieldCacheKey, key).Msg("access-stat update failed")
	}
}

// Put writes the byte file and sidecar concurrently. Each file lands via
// temp-and-rename so readers never observe a partial write; atomicity
// across the pair is not promised.
func (f *FS) Put(ctx context.Context, key string, b []byte, m Metadata) error {
	binPath, metaPath := f.paths(key)
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return fmt.Errorf("fs storage: create shard dir: %w", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("fs storage: marshal metadata: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return renameio.WriteFile(binPath, b, 0o644) })
	g.Go(func() error { return renameio.WriteFile(metaPath, raw, 0o644) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fs storage: write %s: %w", key, err)
	}
	return nil
}

// Exists checks the byte file only; a sidecar without bytes is useless.
func (f *FS) Exists(ctx context.Context, key string) (bool, error) {
	binPath, _ := f.paths(key)
	if _, err := os.Stat(binPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("fs storage: stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the pair. Absence is not an error.
func (f *FS) Delete(ctx context.Context, key string) error {
	binPath, metaPath := f.paths(key)
	for _, p := range []string{binPath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fs storage: remove %s: %w", key, err)
		}
	}
	return nil
}

// DeleteByPrefix removes every variant under the invalidation prefix.
// The prefix always starts with the hash, so only one shard directory
// needs scanning.
func (f *FS) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if len(prefix) < 3 {
		return 0, fmt.Errorf("fs storage: prefix %q too short", prefix)
	}
	dir := filepath.Join(f.root, SanitizeKey(prefix[:2]))
	stemPrefix := SanitizeKey(prefix[2:])

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fs storage: scan shard: %w", err)
	}

	deleted := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, stemPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("fs storage: purge %s: %w", name, err)
		}
		if strings.HasSuffix(name, binExt) {
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck verifies the root is writable by cycling a probe file.
func (f *FS) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(f.root, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("fs storage: not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("fs storage: probe cleanup: %w", err)
	}
	return nil
}

// Name identifies the variant.
func (f *FS) Name() string { return "fs" }
