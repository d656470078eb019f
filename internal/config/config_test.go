package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	disabled := false
	original := &Config{
		HostID:   "test-host-abc",
		BaseDir:  "/home/user/.local/share/filesense",
		LogDir:   "/home/user/.local/share/filesense/log",
		LogLevel: "debug",
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/filesense/db"},
		Scan: ScanConfig{
			Roots:      []string{"/home/user/Documents"},
			Extensions: []string{"pdf", "docx"},
			Exclude:    []string{"**/node_modules/**"},
			MaxDepth:   4,
			HashLimit:  1 << 20,
		},
		Classifier: ClassifierConfig{
			Type:           "ollama",
			BaseURL:        "http://localhost:11434",
			Model:          "llama3.1",
			BreakerEnabled: &disabled,
		},
		Plan:       PlanConfig{Style: "timeline", Depth: "detailed", Threshold: 0.8},
		Vaults:     []VaultConfig{{Type: "filesystem", Name: "local", FSVaultRoot: "/backup/vault"}},
		Encryption: EncryptionConfig{Type: "age", PublicKeyPath: "/k/filesense.pub", PrivateKeyPath: "/k/filesense.key"},
		Metrics:    MetricsConfig{Textfile: "/var/lib/node_exporter/filesense.prom"},
	}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", got.LogLevel)
	}
	if len(got.Scan.Roots) != 1 || got.Scan.Roots[0] != "/home/user/Documents" {
		t.Errorf("Scan.Roots = %v", got.Scan.Roots)
	}
	if got.Scan.HashLimit != 1<<20 {
		t.Errorf("Scan.HashLimit = %d, want %d", got.Scan.HashLimit, 1<<20)
	}
	if got.Classifier.Type != "ollama" || got.Classifier.Model != "llama3.1" {
		t.Errorf("Classifier = %+v", got.Classifier)
	}
	if got.Classifier.BreakerOn() {
		t.Error("Classifier.BreakerOn() = true, want false")
	}
	if got.Plan.Style != "timeline" || got.Plan.Threshold != 0.8 {
		t.Errorf("Plan = %+v", got.Plan)
	}
	if len(got.Vaults) != 1 || got.Vaults[0].FSVaultRoot != "/backup/vault" {
		t.Fatalf("Vaults = %+v", got.Vaults)
	}
	if got.Encryption.Type != "age" {
		t.Errorf("Encryption.Type = %q, want age", got.Encryption.Type)
	}
	if got.Metrics.Textfile != original.Metrics.Textfile {
		t.Errorf("Metrics.Textfile = %q", got.Metrics.Textfile)
	}
}

func TestManager_Read_AppliesDefaults(t *testing.T) {
	m := &Manager{}
	got, err := m.Read(strings.NewReader(`base_dir = "/data/fs"`))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.LogDir != "/data/fs/log" {
		t.Errorf("LogDir = %q, want /data/fs/log", got.LogDir)
	}
	if got.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, DefaultLogLevel)
	}
	if got.Database.Type != "sqlite" || got.Database.DataDir != "/data/fs/db" {
		t.Errorf("Database = %+v", got.Database)
	}
	if got.Classifier.Type != "heuristic" {
		t.Errorf("Classifier.Type = %q, want heuristic", got.Classifier.Type)
	}
	if got.Classifier.BatchSize != DefaultBatchSize || got.Classifier.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Classifier = %+v", got.Classifier)
	}
	if !got.Classifier.BreakerOn() {
		t.Error("Classifier.BreakerOn() = false, want true")
	}
	if got.Plan.Style != DefaultStyle || got.Plan.Depth != DefaultDepth || got.Plan.Threshold != DefaultThreshold {
		t.Errorf("Plan = %+v", got.Plan)
	}
	if got.Encryption.Type != "none" {
		t.Errorf("Encryption.Type = %q, want none", got.Encryption.Type)
	}
}

func TestManager_Read_InvalidTOML(t *testing.T) {
	m := &Manager{}
	if _, err := m.Read(strings.NewReader("base_dir = ")); err == nil {
		t.Fatal("Read() expected error for invalid TOML")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/fs")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/fs/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/fs/log")
	}
	if cfg.Database.DataDir != "/data/fs/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/fs/db")
	}
	if cfg.Encryption.PublicKeyPath != "/data/fs/keys/filesense.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if cfg.Encryption.PrivateKeyPath != "/data/fs/keys/filesense.key" {
		t.Errorf("Encryption.PrivateKeyPath = %q", cfg.Encryption.PrivateKeyPath)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "filesense.toml")

		if err := Init(path, NewConfig("h1", dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "filesense.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "filesense.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Database.Type != "memory" || got.Database.DataDir != "" {
			t.Errorf("Database = %+v, want memory without data_dir", got.Database)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/filesense.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
