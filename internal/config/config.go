package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tanq16/doppkit/internal/utils"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by every command. Values are layered as
// defaults, then the YAML file, then environment variables; command-line
// flags are applied last by the caller.
type Config struct {
	URL                    string            `yaml:"url" envconfig:"GRID_BASE_URL"`
	Token                  string            `yaml:"token" envconfig:"GRID_ACCESS_TOKEN"`
	Threads                int               `yaml:"threads" envconfig:"DOPPKIT_THREADS"`
	Progress               bool              `yaml:"progress" envconfig:"DOPPKIT_PROGRESS"`
	DisableSSLVerification bool              `yaml:"disable_ssl_verification" envconfig:"DOPPKIT_DISABLE_SSL_VERIFICATION"`
	Directory              string            `yaml:"directory" envconfig:"DOPPKIT_DIRECTORY"`
	LogLevel               string            `yaml:"log_level" envconfig:"DOPPKIT_LOG_LEVEL"`
	Timeout                time.Duration     `yaml:"timeout" envconfig:"DOPPKIT_TIMEOUT"`
	ConnectTimeout         time.Duration     `yaml:"connect_timeout" envconfig:"DOPPKIT_CONNECT_TIMEOUT"`
	Proxy                  string            `yaml:"proxy" envconfig:"DOPPKIT_PROXY"`
	Headers                map[string]string `yaml:"headers" envconfig:"DOPPKIT_HEADERS"`
	RunMethod              string            `yaml:"-" ignored:"true"`
}

func Default() Config {
	directory := "Downloads"
	if home, err := os.UserHomeDir(); err == nil {
		directory = filepath.Join(home, "Downloads")
	}
	return Config{
		URL:            utils.DefaultGridURL,
		Threads:        utils.DefaultThreads,
		Progress:       true,
		Directory:      directory,
		LogLevel:       "info",
		Timeout:        20 * time.Second,
		ConnectTimeout: 40 * time.Second,
		RunMethod:      utils.RunMethodCLI,
	}
}

// DefaultPath is the config file read when none is given explicitly.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "doppkit", "config.yaml")
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. An empty path falls back to DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("grid url must not be empty")
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// HTTPClientConfig maps the settings onto the shared HTTP client options.
func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:            c.Timeout,
		ConnectTimeout:     c.ConnectTimeout,
		RunMethod:          c.RunMethod,
		MaxConns:           c.Threads,
		InsecureSkipVerify: c.DisableSSLVerification,
		HighThreadMode:     c.Threads > 32,
		ProxyURL:           c.Proxy,
		Headers:            c.Headers,
	}
}
