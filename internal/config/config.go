package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultStorageDir       = "/tmp/iwd"
	DefaultDaemonBinary     = "iwd"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultStartupTimeout   = 20 * time.Second
	DefaultConditionTimeout = 50 * time.Second
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DaemonConfig holds settings for launching iwd.
type DaemonConfig struct {
	// Start launches the daemon instead of attaching to a running one.
	Start     bool     `yaml:"start"`
	Binary    string   `yaml:"binary"`
	Args      []string `yaml:"args"`
	ConfigDir string   `yaml:"config_dir"`
}

// Config is the top-level configuration file structure.
type Config struct {
	BusAddress       string       `yaml:"bus_address"`
	StorageDir       string       `yaml:"storage_dir"`
	Daemon           DaemonConfig `yaml:"daemon"`
	StartupTimeout   Duration     `yaml:"startup_timeout"`
	ConditionTimeout Duration     `yaml:"condition_timeout"`
	LogLevel         string       `yaml:"log_level"`
	LogFormat        string       `yaml:"log_format"`
	// ReleaseFromNetworkManager lists interfaces to take away from
	// NetworkManager before the daemon starts.
	ReleaseFromNetworkManager []string `yaml:"release_from_networkmanager"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "iwd-harness", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// WithDefaults returns a copy with every unset field filled in.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.StorageDir == "" {
		out.StorageDir = DefaultStorageDir
	}
	if out.Daemon.Binary == "" {
		out.Daemon.Binary = DefaultDaemonBinary
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = Duration(DefaultStartupTimeout)
	}
	if out.ConditionTimeout == 0 {
		out.ConditionTimeout = Duration(DefaultConditionTimeout)
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	return &out
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.StartupTimeout < 0 || c.ConditionTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.StorageDir != "" && !filepath.IsAbs(c.StorageDir) {
		errs = append(errs, fmt.Errorf("storage_dir must be absolute, got %q", c.StorageDir))
	}
	if !c.Daemon.Start && (len(c.Daemon.Args) > 0 || c.Daemon.ConfigDir != "") {
		errs = append(errs, errors.New("daemon args and config_dir require daemon.start"))
	}
	for _, iface := range c.ReleaseFromNetworkManager {
		if iface == "" || strings.ContainsRune(iface, '/') {
			errs = append(errs, fmt.Errorf("invalid interface name %q", iface))
		}
	}
	return errors.Join(errs...)
}
