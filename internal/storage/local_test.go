package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mysql-backup-orchestrator/internal/config"
)

func writeArtifact(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "artifact.tar.gz")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	return path
}

func TestNewLocalProvider(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		config  *config.LocalConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  &config.LocalConfig{BasePath: filepath.Join(tempDir, "store"), Permissions: 0755},
			wantErr: false,
		},
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "empty base path",
			config:  &config.LocalConfig{BasePath: ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewLocalProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLocalProvider() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && provider == nil {
				t.Error("Expected provider to be created, got nil")
			}
		})
	}
}

func TestLocalProvider_RoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	provider, err := NewLocalProvider(&config.LocalConfig{BasePath: filepath.Join(tempDir, "store")})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	ctx := context.Background()
	src := writeArtifact(t, tempDir, "artifact bytes")

	locator, err := provider.Upload(ctx, src, "backup-20240101-000000-abcd1234")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if locator["provider"] != string(config.ProviderLocal) {
		t.Errorf("Expected provider LOCAL in locator, got %v", locator["provider"])
	}
	if locator["size"] != int64(len("artifact bytes")) {
		t.Errorf("Expected size %d, got %v", len("artifact bytes"), locator["size"])
	}

	exists, err := provider.Exists(ctx, "backup-20240101-000000-abcd1234")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true, nil", exists, err)
	}

	dest := filepath.Join(tempDir, "restored")
	found, err := provider.Download(ctx, "backup-20240101-000000-abcd1234", dest)
	if err != nil || !found {
		t.Fatalf("Download() = %v, %v; want true, nil", found, err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Failed to read downloaded file: %v", err)
	}
	if string(data) != "artifact bytes" {
		t.Errorf("Downloaded content = %q", string(data))
	}

	deleted, err := provider.Delete(ctx, "backup-20240101-000000-abcd1234")
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = provider.Delete(ctx, "backup-20240101-000000-abcd1234")
	if err != nil || deleted {
		t.Errorf("second Delete() = %v, %v; want false, nil", deleted, err)
	}
}

func TestLocalProvider_MissingObject(t *testing.T) {
	provider, err := NewLocalProvider(&config.LocalConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	ctx := context.Background()

	exists, err := provider.Exists(ctx, "nope")
	if err != nil || exists {
		t.Errorf("Exists() = %v, %v; want false, nil", exists, err)
	}

	found, err := provider.Download(ctx, "nope", filepath.Join(t.TempDir(), "out"))
	if err != nil || found {
		t.Errorf("Download() = %v, %v; want false, nil", found, err)
	}

	if _, err := provider.Upload(ctx, "/does/not/exist", "id"); err == nil {
		t.Error("Expected error uploading a missing file")
	}
	if _, err := provider.Upload(ctx, "/does/not/exist", " "); err == nil {
		t.Error("Expected error for empty id")
	}
}

func TestLocalProvider_HealthCheck(t *testing.T) {
	provider, err := NewLocalProvider(&config.LocalConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		id     string
		want   string
	}{
		{"", "backup-1", "backup-1.artifact"},
		{"backups", "backup-1", "backups/backup-1.artifact"},
		{"backups/", "backup-1", "backups/backup-1.artifact"},
		{"", "../etc/passwd", "__etc_passwd.artifact"},
		{"", "a b", "a_b.artifact"},
	}

	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.id); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.id, got, tt.want)
		}
	}
}
