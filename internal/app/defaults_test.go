package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("FILESENSE_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("FILESENSE_HOME", "/custom/filesense")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/filesense" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/filesense")
		}
		if defaults["log_dir"] != "/custom/filesense/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/filesense/log")
		}
		if defaults["keys_dir"] != "/custom/filesense/keys" {
			t.Errorf("keys_dir = %q, want %q", defaults["keys_dir"], "/custom/filesense/keys")
		}
		if defaults["lock_path"] != "/custom/filesense/filesense.lock" {
			t.Errorf("lock_path = %q, want %q", defaults["lock_path"], "/custom/filesense/filesense.lock")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("FILESENSE_CONFIG_PATH", "")
		t.Setenv("FILESENSE_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "filesense.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "filesense")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}

		wantLog := filepath.Join(wantBase, "log")
		if defaults["log_dir"] != wantLog {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], wantLog)
		}
	})
}
