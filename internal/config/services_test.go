package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultServicesConfig(t *testing.T) {
	cfg := DefaultServicesConfig()
	if cfg == nil {
		t.Fatal("DefaultServicesConfig() returned nil")
	}

	expectedRoles := []string{RoleWorker, RoleTaskCreator, RoleTracker}

	for _, role := range expectedRoles {
		settings, ok := cfg.Services[role]
		if !ok {
			t.Errorf("missing role %q in default config", role)
			continue
		}
		if !settings.Enabled {
			t.Errorf("role %q should be enabled by default", role)
		}
		if settings.Port == 0 {
			t.Errorf("role %q has no port configured", role)
		}
		if settings.Description == "" {
			t.Errorf("role %q has no description", role)
		}
	}
}

func TestLoadServicesConfigFromPath(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "environments.yaml")

		configContent := `
services:
  worker:
    enabled: true
    port: 8080
    description: "Test role"
`
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		cfg, err := LoadServicesConfigFromPath(configPath)
		if err != nil {
			t.Fatalf("LoadServicesConfigFromPath() error = %v", err)
		}

		if cfg == nil {
			t.Fatal("LoadServicesConfigFromPath() returned nil")
		}

		svc, ok := cfg.Services[RoleWorker]
		if !ok {
			t.Fatal("worker not found in config")
		}
		if svc.Port != 8080 {
			t.Errorf("port = %d, want 8080", svc.Port)
		}
		if !svc.Enabled {
			t.Error("role should be enabled")
		}
	})

	t.Run("missing port", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "environments.yaml")

		configContent := `
services:
  worker:
    enabled: true
    description: "Test role"
`
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		_, err := LoadServicesConfigFromPath(configPath)
		if err == nil {
			t.Error("expected error for missing port")
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := LoadServicesConfigFromPath("/nonexistent/path/environments.yaml")
		if err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "environments.yaml")

		if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		_, err := LoadServicesConfigFromPath(configPath)
		if err == nil {
			t.Error("expected error for invalid yaml")
		}
	})
}

func TestLoadServicesConfigOrDefault(t *testing.T) {
	// Returns the default config since config/environments.yaml likely
	// doesn't exist relative to the test working directory.
	cfg := LoadServicesConfigOrDefault()
	if cfg == nil {
		t.Fatal("LoadServicesConfigOrDefault() returned nil")
	}

	if len(cfg.Services) == 0 {
		t.Error("expected non-empty services map")
	}
}
