package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token store backends.
const (
	TokenStoreBolt     = "bolt"
	TokenStorePostgres = "postgres"
	TokenStoreMemory   = "memory"
)

// Config holds daemon configuration.
type Config struct {
	ServerURL      string
	ListenAddr     string
	DocumentID     string
	PollInterval   time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	RequestTimeout time.Duration
	UndoCapacity   int
	TokenStore     string
	TokenStorePath string
	DatabaseURL    string
	MigrationsDir  string
	AccessToken    string
	RefreshToken   string
	LogLevel       string
}

// fileConfig is the YAML layout. Every key is optional; env wins over the file.
type fileConfig struct {
	ServerURL      string `yaml:"server_url"`
	ListenAddr     string `yaml:"listen_addr"`
	DocumentID     string `yaml:"document_id"`
	PollInterval   string `yaml:"poll_interval"`
	ReconnectBase  string `yaml:"reconnect_base"`
	ReconnectCap   string `yaml:"reconnect_cap"`
	RequestTimeout string `yaml:"request_timeout"`
	UndoCapacity   int    `yaml:"undo_capacity"`
	TokenStore     string `yaml:"token_store"`
	TokenStorePath string `yaml:"token_store_path"`
	DatabaseURL    string `yaml:"database_url"`
	MigrationsDir  string `yaml:"migrations_dir"`
	AccessToken    string `yaml:"access_token"`
	RefreshToken   string `yaml:"refresh_token"`
	LogLevel       string `yaml:"log_level"`
}

// Load reads the optional YAML file named by MINDSYNC_CONFIG, then the environment.
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("MINDSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServerURL:      strings.TrimRight(setting("SERVER_URL", file.ServerURL, "http://localhost:8000"), "/"),
		ListenAddr:     setting("LISTEN_ADDR", file.ListenAddr, "127.0.0.1:7420"),
		DocumentID:     setting("DOCUMENT_ID", file.DocumentID, ""),
		PollInterval:   parseDuration(setting("POLL_INTERVAL", file.PollInterval, ""), time.Second),
		ReconnectBase:  parseDuration(setting("RECONNECT_BASE", file.ReconnectBase, ""), time.Second),
		ReconnectCap:   parseDuration(setting("RECONNECT_CAP", file.ReconnectCap, ""), 10*time.Second),
		RequestTimeout: parseDuration(setting("REQUEST_TIMEOUT", file.RequestTimeout, ""), 15*time.Second),
		UndoCapacity:   parseInt(os.Getenv("UNDO_CAPACITY"), file.UndoCapacity),
		TokenStore:     strings.ToLower(setting("TOKEN_STORE", file.TokenStore, TokenStoreBolt)),
		TokenStorePath: setting("TOKEN_STORE_PATH", file.TokenStorePath, defaultTokenStorePath()),
		DatabaseURL:    setting("DATABASE_URL", file.DatabaseURL, ""),
		MigrationsDir:  setting("MIGRATIONS_DIR", file.MigrationsDir, ""),
		AccessToken:    setting("ACCESS_TOKEN", file.AccessToken, ""),
		RefreshToken:   setting("REFRESH_TOKEN", file.RefreshToken, ""),
		LogLevel:       strings.ToLower(setting("LOG_LEVEL", file.LogLevel, "info")),
	}
	if cfg.UndoCapacity <= 0 {
		cfg.UndoCapacity = 100
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return errors.New("SERVER_URL is required")
	}
	switch c.TokenStore {
	case TokenStoreBolt, TokenStoreMemory:
	case TokenStorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres token store")
		}
	default:
		return fmt.Errorf("unknown TOKEN_STORE %q", c.TokenStore)
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = c.ReconnectBase
	}
	return nil
}

func defaultTokenStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "mindsync-credentials.db"
	}
	return filepath.Join(dir, "mindsync", "credentials.db")
}

// setting returns the env value, then the file value, then def.
func setting(key, fromFile, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if fromFile != "" {
		return fromFile
	}
	return def
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
