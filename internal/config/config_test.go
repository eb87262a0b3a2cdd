package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, xdg, content string, mode os.FileMode) {
	t.Helper()
	dir := filepath.Join(xdg, "zk")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "allowed_root_cmds.yaml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRootCmdConfigMissingFileReturnsNil(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadRootCmdConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
}

func TestLoadRootCmdConfigValidFile(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeConfig(t, xdg, "default: sudo\nallowed:\n  - sudo\n  - doas\n", 0o600)

	cfg, err := LoadRootCmdConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a config")
	}
	if cfg.Default != "sudo" || len(cfg.Allowed) != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadRootCmdConfigRejectsGroupReadablePermissions(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeConfig(t, xdg, "default: sudo\nallowed:\n  - sudo\n", 0o640)

	cfg, err := LoadRootCmdConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config for group-readable file, got %+v", cfg)
	}
}

func TestLoadRootCmdConfigRejectsInvalidCmdName(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeConfig(t, xdg, "allowed:\n  - \"sudo -n\"\n", 0o600)

	cfg, err := LoadRootCmdConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config for an invalid command name, got %+v", cfg)
	}
}

func TestLoadRootCmdConfigRejectsDefaultNotInAllowed(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeConfig(t, xdg, "default: run0\nallowed:\n  - sudo\n", 0o600)

	cfg, err := LoadRootCmdConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config when default isn't in allowed, got %+v", cfg)
	}
}
