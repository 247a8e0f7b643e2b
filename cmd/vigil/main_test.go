package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"vigil/internal/config"
)

func TestInitWorkspace(t *testing.T) {
	workspace = t.TempDir()
	cfgPath = ""

	if err := initWorkspace(&cobra.Command{}, nil); err != nil {
		t.Fatalf("initWorkspace returned error: %v", err)
	}

	path := filepath.Join(workspace, ".vigil", "vigil.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config at %s: %v", path, err)
	}

	// A second init must refuse to clobber the existing config.
	err := initWorkspace(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already-exists error, got %v", err)
	}
}

func TestConfigPathDefaults(t *testing.T) {
	workspace = "/srv/agent"
	cfgPath = ""
	if got := configPath(); got != "/srv/agent/.vigil/vigil.yaml" {
		t.Fatalf("unexpected default config path: %s", got)
	}

	cfgPath = "/etc/vigil.yaml"
	if got := configPath(); got != "/etc/vigil.yaml" {
		t.Fatalf("explicit config path not honored: %s", got)
	}
}

func TestResolvePaths(t *testing.T) {
	workspace = t.TempDir()
	listenAddr = "0.0.0.0:8080"
	autoStart = true
	defer func() { listenAddr = ""; autoStart = false }()

	cfg := config.DefaultConfig()
	if err := resolvePaths(cfg); err != nil {
		t.Fatalf("resolvePaths returned error: %v", err)
	}

	if !filepath.IsAbs(cfg.DatabasePath) {
		t.Fatalf("database path should be anchored in the workspace: %s", cfg.DatabasePath)
	}
	if !strings.HasPrefix(cfg.DatabasePath, workspace) {
		t.Fatalf("database path %s not under workspace %s", cfg.DatabasePath, workspace)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("listen flag not applied: %s", cfg.ListenAddr)
	}
	if !cfg.AutoStart {
		t.Fatal("auto-start flag not applied")
	}
}

func TestBuildModels(t *testing.T) {
	cfg := config.DefaultConfig()
	local, frontier, err := buildModels(cfg)
	if err != nil {
		t.Fatalf("buildModels returned error: %v", err)
	}
	if local == nil || frontier == nil {
		t.Fatal("rules provider should yield both tiers")
	}

	cfg.Model.Provider = "oracle"
	if _, _, err := buildModels(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
