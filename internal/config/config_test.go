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

	cfg := &Config{
		BaseURL:          "https://market.example.com",
		SocketURL:        "wss://market.example.com/ws",
		Token:            "tok",
		ReconnectDelayMS: 250,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.BaseURL != cfg.BaseURL || loaded.SocketURL != cfg.SocketURL {
		t.Errorf("loaded = %+v", loaded)
	}
	if got := loaded.ReconnectDelay(); got != 250*time.Millisecond {
		t.Errorf("ReconnectDelay() = %v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte(`base_url = "https://x"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted config without socket_url")
	}
}

func TestReconnectDelayDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.ReconnectDelay(); got != 5*time.Second {
		t.Errorf("default delay = %v", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{BaseURL: "https://x", SocketURL: "wss://x"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
