// SPDX-License-Identifier: MIT

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:8080", cfg.ListenAddr)
	}
	if cfg.StorageBackend != BackendFS {
		t.Errorf("StorageBackend = %q, want fs", cfg.StorageBackend)
	}
	if cfg.CacheDir != "./cache" {
		t.Errorf("CacheDir = %q, want ./cache", cfg.CacheDir)
	}
	if cfg.MaxImageSizeBytes != 25<<20 {
		t.Errorf("MaxImageSizeBytes = %d, want %d", cfg.MaxImageSizeBytes, 25<<20)
	}
	if cfg.UpstreamTimeout != 15*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 15s", cfg.UpstreamTimeout)
	}
	if cfg.RateLimitPerMinute != 100 {
		t.Errorf("RateLimitPerMinute = %d, want 100", cfg.RateLimitPerMinute)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("CacheTTL = %v, want 24h", cfg.CacheTTL)
	}
	if cfg.EdgeTTL != time.Hour {
		t.Errorf("EdgeTTL = %v, want 1h", cfg.EdgeTTL)
	}
	if len(cfg.AllowedDomains) != 3 {
		t.Errorf("AllowedDomains = %v, want the 3 shipped families", cfg.AllowedDomains)
	}
	if cfg.APIKeysEnabled {
		t.Error("APIKeysEnabled should default to false")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("S3_BUCKET", "imgcache")
	t.Setenv("ALLOWED_DOMAINS", "a.example.com, b.example.com ,")
	t.Setenv("UPSTREAM_TIMEOUT_MS", "2500")
	t.Setenv("MAX_IMAGE_SIZE_BYTES", "1048576")

	cfg := Load()

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9090", cfg.ListenAddr)
	}
	if cfg.StorageBackend != BackendS3 {
		t.Errorf("StorageBackend = %q, want s3 (lower-cased)", cfg.StorageBackend)
	}
	if cfg.S3Bucket != "imgcache" {
		t.Errorf("S3Bucket = %q", cfg.S3Bucket)
	}
	want := []string{"a.example.com", "b.example.com"}
	if len(cfg.AllowedDomains) != len(want) {
		t.Fatalf("AllowedDomains = %v, want %v", cfg.AllowedDomains, want)
	}
	for i := range want {
		if cfg.AllowedDomains[i] != want[i] {
			t.Errorf("AllowedDomains[%d] = %q, want %q", i, cfg.AllowedDomains[i], want[i])
		}
	}
	if cfg.UpstreamTimeout != 2500*time.Millisecond {
		t.Errorf("UpstreamTimeout = %v, want 2.5s", cfg.UpstreamTimeout)
	}
	if cfg.MaxImageSizeBytes != 1<<20 {
		t.Errorf("MaxImageSizeBytes = %d, want 1 MiB", cfg.MaxImageSizeBytes)
	}
}

func TestValidate(t *testing.T) {
	base := func() App {
		return App{
			StorageBackend:    BackendFS,
			CacheDir:          "./cache",
			AllowedDomains:    []string{"prod-files-secure.s3.us-west-2.amazonaws.com"},
			MaxImageSizeBytes: 1 << 20,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr string
	}{
		{
			name:   "valid fs config",
			mutate: func(a *App) {},
		},
		{
			name: "fs without cache dir",
			mutate: func(a *App) {
				a.CacheDir = "  "
			},
			wantErr: "CACHE_DIR",
		},
		{
			name: "s3 without bucket",
			mutate: func(a *App) {
				a.StorageBackend = BackendS3
			},
			wantErr: "S3_BUCKET",
		},
		{
			name: "s3 without credentials",
			mutate: func(a *App) {
				a.StorageBackend = BackendS3
				a.S3Bucket = "imgcache"
			},
			wantErr: "S3_ACCESS_KEY",
		},
		{
			name: "r2 without endpoint",
			mutate: func(a *App) {
				a.StorageBackend = BackendR2
				a.S3Bucket = "imgcache"
				a.S3AccessKey = "ak"
				a.S3SecretKey = "sk"
			},
			wantErr: "S3_ENDPOINT",
		},
		{
			name: "valid r2 config",
			mutate: func(a *App) {
				a.StorageBackend = BackendR2
				a.S3Bucket = "imgcache"
				a.S3AccessKey = "ak"
				a.S3SecretKey = "sk"
				a.S3Endpoint = "https://acct.r2.cloudflarestorage.com"
			},
		},
		{
			name: "unknown backend",
			mutate: func(a *App) {
				a.StorageBackend = "tape"
			},
			wantErr: "unknown storage backend",
		},
		{
			name: "empty allowlist",
			mutate: func(a *App) {
				a.AllowedDomains = nil
			},
			wantErr: "ALLOWED_DOMAINS",
		},
		{
			name: "allowlist entry with path",
			mutate: func(a *App) {
				a.AllowedDomains = []string{"example.com/path"}
			},
			wantErr: "bare hostname",
		},
		{
			name: "api keys enabled but empty",
			mutate: func(a *App) {
				a.APIKeysEnabled = true
			},
			wantErr: "API_KEYS",
		},
		{
			name: "non-positive size cap",
			mutate: func(a *App) {
				a.MaxImageSizeBytes = 0
			},
			wantErr: "MAX_IMAGE_SIZE_BYTES",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseServerConfigDefaults(t *testing.T) {
	sc := ParseServerConfig()
	if sc.ReadTimeout != 60*time.Second {
		t.Errorf("ReadTimeout = %v, want 60s", sc.ReadTimeout)
	}
	if sc.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, want 0", sc.WriteTimeout)
	}
	if sc.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 15s", sc.ShutdownTimeout)
	}
}

func TestParseServerConfigShutdownFloor(t *testing.T) {
	t.Setenv("SERVER_SHUTDOWN_TIMEOUT", "1s")
	sc := ParseServerConfig()
	if sc.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s floor", sc.ShutdownTimeout)
	}
}
