package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Backend.BaseURL = "http://localhost:8080"
	cfg.Sync.BadgePollInterval = Duration(30 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Backend.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", loaded.Backend.BaseURL)
	}
	if loaded.Sync.BadgePollInterval.Std() != 30*time.Second {
		t.Errorf("BadgePollInterval = %v, want 30s", loaded.Sync.BadgePollInterval.Std())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

// TestLoadKeepsDefaults verifies a partial file only overrides what it names.
func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[backend]\nbase_url = \"http://chat.local\"\n\n[sync]\nopen_timeout = \"3s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.OpenTimeout.Std() != 3*time.Second {
		t.Errorf("OpenTimeout = %v, want 3s", cfg.Sync.OpenTimeout.Std())
	}
	if cfg.Sync.ConversationPollInterval.Std() != 5*time.Second {
		t.Errorf("ConversationPollInterval = %v, want default 5s", cfg.Sync.ConversationPollInterval.Std())
	}
	if cfg.Cache.Backend != BackendSQLite {
		t.Errorf("Cache.Backend = %q, want sqlite", cfg.Cache.Backend)
	}
}

func TestResolveMissingFileUsesEnv(t *testing.T) {
	t.Setenv("CONVSYNC_BACKEND_BASE_URL", "http://env.local")
	t.Setenv("CONVSYNC_SYNC_BADGE_POLL_INTERVAL", "1m")
	t.Setenv("CONVSYNC_CACHE_BACKEND", "badger")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Backend.BaseURL != "http://env.local" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Sync.BadgePollInterval.Std() != time.Minute {
		t.Errorf("BadgePollInterval = %v, want 1m", cfg.Sync.BadgePollInterval.Std())
	}
	if cfg.Cache.Backend != BackendBadger {
		t.Errorf("Cache.Backend = %q", cfg.Cache.Backend)
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing base url": "",
		"bad backend":      "[backend]\nbase_url = \"http://x.local\"\n[cache]\nbackend = \"redis\"\n",
		"zero interval":    "[backend]\nbase_url = \"http://x.local\"\n[sync]\nbadge_poll_interval = \"0s\"\n",
		"bad level":        "[backend]\nbase_url = \"http://x.local\"\n[log]\nlevel = \"loud\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Resolve(path); err == nil {
				t.Error("Resolve() expected validation error")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
