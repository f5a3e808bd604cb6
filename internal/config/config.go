// Package config loads run settings from a YAML file, environment
// overrides, and defaults. Flag precedence is applied by the command
// layer on top of what Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"backhaul/pkg/models"
)

// DefaultPartSize bounds each part to 6 GiB unless configured.
const DefaultPartSize = 6 << 30

// Remote holds the SFTP target. Secrets never live in the file;
// password and key passphrase are read from the named environment
// variables at connect time.
type Remote struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	User            string   `yaml:"user"`
	Dir             string   `yaml:"dir"`
	KeyFile         string   `yaml:"key_file"`
	KeyPassEnv      string   `yaml:"key_pass_env"`
	PasswordEnv     string   `yaml:"password_env"`
	KnownHostsFile  string   `yaml:"known_hosts"`
	InsecureHostKey bool     `yaml:"insecure_host_key"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	IOTimeout       Duration `yaml:"io_timeout"`
}

// Retry bounds transfer attempts per part.
type Retry struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

type Config struct {
	Source          string `yaml:"source"`
	StagingDir      string `yaml:"staging_dir"`
	PartSize        Size   `yaml:"part_size"`
	Gzip            bool   `yaml:"gzip"`
	KeepParts       bool   `yaml:"keep_parts"`
	SkipUnreadable  bool   `yaml:"skip_unreadable"`
	FailOnChange    bool   `yaml:"fail_on_change"`
	Overlap         bool   `yaml:"overlap"`
	ContinueOnError bool   `yaml:"continue_on_error"`
	BandwidthLimit  Size   `yaml:"bandwidth_limit"`
	Retry           Retry  `yaml:"retry"`
	Remote          Remote `yaml:"remote"`
}

// Default returns the built-in settings a file and environment
// override.
func Default() *Config {
	return &Config{
		StagingDir: os.TempDir(),
		PartSize:   DefaultPartSize,
		Retry: Retry{
			MaxAttempts:  5,
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(time.Minute),
		},
		Remote: Remote{
			Port:           22,
			ConnectTimeout: Duration(30 * time.Second),
			IOTimeout:      Duration(60 * time.Second),
		},
	}
}

// Load reads the YAML file at path and applies BACKHAUL_* environment
// overrides. A missing file is an error only when the path was given
// explicitly.
func Load(path string, explicit bool) (*Config, error) {
	c := Default()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", models.ErrInvalidConfig, path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file, run on defaults and environment.
	default:
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrInvalidConfig, path, err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BACKHAUL_SOURCE"); v != "" {
		c.Source = v
	}
	if v := os.Getenv("BACKHAUL_STAGING_DIR"); v != "" {
		c.StagingDir = v
	}
	if v := os.Getenv("BACKHAUL_PART_SIZE"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("%w: BACKHAUL_PART_SIZE: %v", models.ErrInvalidConfig, err)
		}
		c.PartSize = Size(n)
	}
	if v := os.Getenv("BACKHAUL_HOST"); v != "" {
		c.Remote.Host = v
	}
	if v := os.Getenv("BACKHAUL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BACKHAUL_PORT: %v", models.ErrInvalidConfig, err)
		}
		c.Remote.Port = p
	}
	if v := os.Getenv("BACKHAUL_USER"); v != "" {
		c.Remote.User = v
	}
	if v := os.Getenv("BACKHAUL_REMOTE_DIR"); v != "" {
		c.Remote.Dir = v
	}
	if v := os.Getenv("BACKHAUL_KEY_FILE"); v != "" {
		c.Remote.KeyFile = v
	}
	if v := os.Getenv("BACKHAUL_KNOWN_HOSTS"); v != "" {
		c.Remote.KnownHostsFile = v
	}
	return nil
}

// Validate checks the mode-independent constraints. Mode-specific
// requirements (a source for backup runs, a host for transfers) are
// enforced by the engine.
func (c *Config) Validate() error {
	if c.PartSize <= 0 {
		return fmt.Errorf("%w: part size must be positive, got %d", models.ErrInvalidConfig, c.PartSize)
	}
	if c.StagingDir == "" {
		return fmt.Errorf("%w: staging directory is required", models.ErrInvalidConfig)
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", models.ErrInvalidConfig, c.Remote.Port)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry max_attempts must be at least 1, got %d", models.ErrInvalidConfig, c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("%w: retry delays must be positive", models.ErrInvalidConfig)
	}
	if c.Remote.ConnectTimeout <= 0 || c.Remote.IOTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", models.ErrInvalidConfig)
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("%w: bandwidth limit must not be negative", models.ErrInvalidConfig)
	}
	return nil
}
