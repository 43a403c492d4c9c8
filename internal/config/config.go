package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEngineHost    = "127.0.0.1"
	DefaultEnginePort    = 9011
	DefaultEngineTimeout = 120 * time.Second
	DefaultHTTPAddr      = "127.0.0.1:3001"
	DefaultRateLimit     = 10.0
	DefaultRateBurst     = 20
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

type Config struct {
	Engine EngineConfig `yaml:"engine"`
	HTTP   HTTPConfig   `yaml:"http"`
	Mock   MockConfig   `yaml:"mock"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

type EngineConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int           `yaml:"max_response_bytes,omitempty"`
}

// Addr joins host and port.
func (e EngineConfig) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit is requests per second allowed per client IP; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// UploadDir, when set, receives imported specs while the engine reads them.
	UploadDir string `yaml:"upload_dir,omitempty"`
}

// MockConfig controls the in-process mock engine started by `atat serve`
// and `atat mock-engine`. It listens on the engine address.
type MockConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FilesDir     string        `yaml:"files_dir,omitempty"`
	Preload      bool          `yaml:"preload"`
	ScanDuration time.Duration `yaml:"scan_duration,omitempty"`
}

type StoreConfig struct {
	DBPath string `yaml:"db_path"`
	// Retention is how long call history is kept; 0 keeps it forever.
	Retention time.Duration `yaml:"retention,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("ATAT_CONFIG")); envPath != "" {
		return envPath
	}
	return filepath.Join(xdgConfigHome(), "atat", "config.yaml")
}

func DefaultDBPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "atat", "history.db")
	}
	return filepath.Join(homeDir(), ".local", "share", "atat", "history.db")
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func homeDir() string {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home
	}
	return "/tmp/atat-" + strconv.Itoa(os.Getuid())
}

// Default returns the config written by LoadOrInit on first run.
func Default() *Config {
	cfg := &Config{HTTP: HTTPConfig{RateLimit: DefaultRateLimit}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Host == "" {
		cfg.Engine.Host = DefaultEngineHost
	}
	if cfg.Engine.Port == 0 {
		cfg.Engine.Port = DefaultEnginePort
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = DefaultEngineTimeout
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.HTTP.RateBurst == 0 {
		cfg.HTTP.RateBurst = DefaultRateBurst
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultDBPath()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// applyEnv lets the environment override the engine address and HTTP port
// the way the original deployment was configured.
func applyEnv(cfg *Config) error {
	if host := strings.TrimSpace(os.Getenv("ENGINE_HOST")); host != "" {
		cfg.Engine.Host = host
	}
	if raw := strings.TrimSpace(os.Getenv("ENGINE_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("ENGINE_PORT %q is not a number", raw)
		}
		cfg.Engine.Port = port
	}
	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		if _, err := strconv.Atoi(raw); err != nil {
			return fmt.Errorf("PORT %q is not a number", raw)
		}
		host, _, err := net.SplitHostPort(cfg.HTTP.Addr)
		if err != nil {
			host = ""
		}
		cfg.HTTP.Addr = net.JoinHostPort(host, raw)
	}
	return nil
}

// FromEnv is Default with environment overrides applied, for callers
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.Store.DBPath = os.ExpandEnv(cfg.Store.DBPath)
	cfg.Mock.FilesDir = os.ExpandEnv(cfg.Mock.FilesDir)
	cfg.HTTP.UploadDir = os.ExpandEnv(cfg.HTTP.UploadDir)
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o600); err != nil {
		return err
	}
	if _, err := Load(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("resulting config is invalid: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func LoadOrInit(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Engine.Host) == "" {
		return errors.New("engine host is required")
	}
	if cfg.Engine.Port < 1 || cfg.Engine.Port > 65535 {
		return fmt.Errorf("engine port %d out of range", cfg.Engine.Port)
	}
	if cfg.Engine.Timeout < 0 {
		return errors.New("engine timeout must not be negative")
	}
	if cfg.Engine.MaxResponseBytes < 0 {
		return errors.New("engine max_response_bytes must not be negative")
	}
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("http addr %q: %w", cfg.HTTP.Addr, err)
	}
	if cfg.HTTP.RateLimit < 0 || cfg.HTTP.RateBurst < 0 {
		return errors.New("http rate limit must not be negative")
	}
	if cfg.Store.Retention < 0 {
		return errors.New("store retention must not be negative")
	}
	if cfg.Mock.ScanDuration < 0 {
		return errors.New("mock scan_duration must not be negative")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q (expected json or console)", cfg.Log.Format)
	}
	return nil
}
