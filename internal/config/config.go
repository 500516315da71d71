package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Environment variables that override values from the config file.
const (
	EnvSourceURL    = "DOCWATCH_SOURCE_URL"
	EnvPollInterval = "DOCWATCH_POLL_INTERVAL"
	EnvServerURL    = "DOCWATCH_SERVER_URL"
)

type Config struct {
	Source  Source  `yaml:"source"`
	Poller  Poller  `yaml:"poller"`
	Server  Server  `yaml:"server"`
	Client  Client  `yaml:"client"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
}

type Source struct {
	URL           string `yaml:"url"`
	Container     string `yaml:"container"`
	UsernameEnv   string `yaml:"username_env"`
	PasswordEnv   string `yaml:"password_env"`
	UserAgent     string `yaml:"user_agent"`
	TimeoutSec    int    `yaml:"timeout_sec"`
	RespectRobots bool   `yaml:"respect_robots"`
}

type Poller struct {
	Interval string `yaml:"interval"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Client struct {
	ServerURL       string `yaml:"server_url"`
	RefreshInterval string `yaml:"refresh_interval"`
	TimeoutSec      int    `yaml:"timeout_sec"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Credentials holds optional basic-auth credentials for the source.
type Credentials struct {
	Username string
	Password string
}

// ConfigDir returns the XDG config directory for docwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "docwatch")
}

// DataDir returns the XDG data directory for docwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "docwatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/docwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'docwatch init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			Container:   "#content",
			UsernameEnv: "DOCWATCH_USERNAME",
			PasswordEnv: "DOCWATCH_PASSWORD",
			UserAgent:   "docwatch/1.0 (document watcher)",
			TimeoutSec:  30,
		},
		Poller: Poller{Interval: "1h"},
		Server: Server{Host: "127.0.0.1", Port: 8000},
		Client: Client{
			ServerURL:       "http://127.0.0.1:8000",
			RefreshInterval: "15m",
			TimeoutSec:      15,
		},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvSourceURL); v != "" {
		c.Source.URL = v
	}
	if v := getenv(EnvPollInterval); v != "" {
		c.Poller.Interval = v
	}
	if v := getenv(EnvServerURL); v != "" {
		c.Client.ServerURL = v
	}
}

func (c *Config) validate() error {
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	return nil
}

// PollInterval returns the parsed server-side polling interval.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseInterval("poller.interval", c.Poller.Interval)
}

// RefreshInterval returns the parsed client-side refresh interval.
func (c *Config) RefreshInterval() (time.Duration, error) {
	return parseInterval("client.refresh_interval", c.Client.RefreshInterval)
}

// SourceTimeout returns the HTTP timeout for loading the source page.
func (c *Config) SourceTimeout() time.Duration {
	if c.Source.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Source.TimeoutSec) * time.Second
}

// ClientTimeout returns the HTTP timeout for snapshot requests.
func (c *Config) ClientTimeout() time.Duration {
	if c.Client.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Client.TimeoutSec) * time.Second
}

// SourceCredentials reads the basic-auth credentials from the configured
// environment variables. Nil means no authentication.
func (c *Config) SourceCredentials() *Credentials {
	user := os.Getenv(c.Source.UsernameEnv)
	if user == "" {
		return nil
	}
	return &Credentials{Username: user, Password: os.Getenv(c.Source.PasswordEnv)}
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func parseInterval(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, value)
	}
	return d, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
