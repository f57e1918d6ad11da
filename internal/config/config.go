package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries all server settings. Values come from an optional
// config.yaml in the data directory, overridden by environment variables.
type Config struct {
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	DataDir             string   `yaml:"data_dir"`
	DockerSocket        string   `yaml:"docker_socket"`
	ContainerNamePrefix string   `yaml:"container_name_prefix"`
	TemplatesDir        string   `yaml:"templates_dir"`
	HostTmuxSocket      string   `yaml:"host_tmux_socket"`
	StaticDir           string   `yaml:"static_dir"`
	TelegramBotToken    string   `yaml:"telegram_bot_token"`
	TelegramAllowed     []string `yaml:"telegram_allowed_users"`
	LogLevel            string   `yaml:"log_level"`
}

// GetenvFunc is the environment lookup signature, injectable for tests.
type GetenvFunc func(key string) string

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                8700,
		DataDir:             defaultDataDir(),
		ContainerNamePrefix: "tmuxdeck",
		LogLevel:            "info",
	}
}

// Load builds the effective configuration: defaults, then config.yaml in
// the data directory if present, then environment variables.
func Load() (Config, error) {
	return LoadWith(os.Getenv)
}

// LoadWith is Load with an injectable environment.
func LoadWith(getenv GetenvFunc) (Config, error) {
	cfg := DefaultConfig()

	if dir := getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return DefaultConfig(), err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnv(&cfg, getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv GetenvFunc) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("PORT"); v != "" {
		if p := atoiOrZero(v); p > 0 {
			cfg.Port = p
		}
	}
	if v := getenv("DOCKER_SOCKET"); v != "" {
		cfg.DockerSocket = v
	}
	if v := getenv("CONTAINER_NAME_PREFIX"); v != "" {
		cfg.ContainerNamePrefix = v
	}
	if v := getenv("TEMPLATES_DIR"); v != "" {
		cfg.TemplatesDir = v
	}
	if v := getenv("HOST_TMUX_SOCKET"); v != "" {
		cfg.HostTmuxSocket = v
	}
	if v := getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := getenv("TELEGRAM_ALLOWED_USERS"); v != "" {
		cfg.TelegramAllowed = splitList(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// HostEnabled reports whether the synthesized "host" container should exist.
func (c *Config) HostEnabled() bool {
	return c.HostTmuxSocket != ""
}

// LogFilePath returns the rotated log file location under the data dir.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "logs", "server.log")
}

// PortFilePath returns the discovery file the CLI reads to find the server.
func (c *Config) PortFilePath() string {
	return filepath.Join(c.DataDir, "port")
}

// LockFilePath returns the single-instance lock file location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "tmuxdeck.lock")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tmuxdeck")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "tmuxdeck")
	}
	return filepath.Join(home, ".local", "share", "tmuxdeck")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
