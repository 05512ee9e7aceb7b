package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
bus_address: unix:path=/run/test-bus
storage_dir: /tmp/iwd-test
daemon:
  start: true
  binary: /usr/libexec/iwd
  args: ["-d"]
  config_dir: /etc/iwd-test
startup_timeout: 5s
condition_timeout: 1m
log_level: debug
log_format: json
release_from_networkmanager: [wlan0, wlan1]
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BusAddress != "unix:path=/run/test-bus" {
		t.Errorf("BusAddress = %q", cfg.BusAddress)
	}
	if cfg.StorageDir != "/tmp/iwd-test" {
		t.Errorf("StorageDir = %q, want /tmp/iwd-test", cfg.StorageDir)
	}
	if !cfg.Daemon.Start || cfg.Daemon.Binary != "/usr/libexec/iwd" {
		t.Errorf("Daemon = %+v", cfg.Daemon)
	}
	if len(cfg.Daemon.Args) != 1 || cfg.Daemon.Args[0] != "-d" {
		t.Errorf("Daemon.Args = %v, want [-d]", cfg.Daemon.Args)
	}
	if cfg.Daemon.ConfigDir != "/etc/iwd-test" {
		t.Errorf("Daemon.ConfigDir = %q", cfg.Daemon.ConfigDir)
	}
	if time.Duration(cfg.StartupTimeout) != 5*time.Second {
		t.Errorf("StartupTimeout = %v, want 5s", time.Duration(cfg.StartupTimeout))
	}
	if time.Duration(cfg.ConditionTimeout) != time.Minute {
		t.Errorf("ConditionTimeout = %v, want 1m", time.Duration(cfg.ConditionTimeout))
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if len(cfg.ReleaseFromNetworkManager) != 2 {
		t.Errorf("ReleaseFromNetworkManager = %v", cfg.ReleaseFromNetworkManager)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
log_level: warn
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	// Unset fields should be zero values
	if cfg.StorageDir != "" {
		t.Errorf("StorageDir = %q, want empty", cfg.StorageDir)
	}
	if cfg.Daemon.Start {
		t.Error("Daemon.Start = true, want false")
	}
	if cfg.StartupTimeout != 0 {
		t.Errorf("StartupTimeout = %v, want 0", cfg.StartupTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: expected nil error for missing file, got %v", err)
	}
	if cfg.StorageDir != "" || cfg.BusAddress != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`{{{not yaml`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
startup_timeout: not-a-duration
`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	got := DefaultPath()
	want := "/custom/config/iwd-harness/config.yaml"
	if got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	out := cfg.WithDefaults()

	if out.StorageDir != DefaultStorageDir {
		t.Errorf("StorageDir = %q, want %q", out.StorageDir, DefaultStorageDir)
	}
	if out.Daemon.Binary != DefaultDaemonBinary {
		t.Errorf("Daemon.Binary = %q, want %q", out.Daemon.Binary, DefaultDaemonBinary)
	}
	if time.Duration(out.StartupTimeout) != DefaultStartupTimeout {
		t.Errorf("StartupTimeout = %v", time.Duration(out.StartupTimeout))
	}
	if time.Duration(out.ConditionTimeout) != DefaultConditionTimeout {
		t.Errorf("ConditionTimeout = %v", time.Duration(out.ConditionTimeout))
	}
	if out.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug kept", out.LogLevel)
	}
	if out.LogFormat != DefaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", out.LogFormat, DefaultLogFormat)
	}
	if cfg.StorageDir != "" {
		t.Error("WithDefaults modified the receiver")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "empty",
			cfg:  Config{},
		},
		{
			name: "daemon with args",
			cfg:  Config{Daemon: DaemonConfig{Start: true, Args: []string{"-d"}}},
		},
		{
			name:    "bad log format",
			cfg:     Config{LogFormat: "xml"},
			wantErr: "log_format must be",
		},
		{
			name:    "negative timeout",
			cfg:     Config{StartupTimeout: Duration(-time.Second)},
			wantErr: "must not be negative",
		},
		{
			name:    "relative storage dir",
			cfg:     Config{StorageDir: "iwd"},
			wantErr: "storage_dir must be absolute",
		},
		{
			name:    "args without start",
			cfg:     Config{Daemon: DaemonConfig{Args: []string{"-d"}}},
			wantErr: "require daemon.start",
		},
		{
			name:    "bad interface",
			cfg:     Config{ReleaseFromNetworkManager: []string{"wlan0", ""}},
			wantErr: "invalid interface name",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("Validate() = %q, want containing %q", err, tc.wantErr)
				}
			}
		})
	}
}
