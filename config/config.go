// Package config loads the server configuration from a JSON or YAML file,
// chosen by extension, with environment variable overrides applied on top.
// Every field has a usable default so the server runs with no config file at
// all.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

// Config is the full server configuration.
type Config struct {
	// Host and Port bind the HTTP listener. The default binds loopback
	// only: the console is an operator tool, not a public service.
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// PublicDir serves the console UI; GalleryDir holds saved images and
	// the index document.
	PublicDir  string `json:"public_dir" yaml:"public_dir"`
	GalleryDir string `json:"gallery_dir" yaml:"gallery_dir"`

	// LocalToken guards write endpoints. Empty means writes are refused
	// unless AllowInsecureLocal is set.
	LocalToken         string `json:"local_token" yaml:"local_token"`
	AllowInsecureLocal bool   `json:"allow_insecure_local" yaml:"allow_insecure_local"`

	// Request handling limits.
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	JSONBodyLimit  int64    `json:"json_body_limit" yaml:"json_body_limit"`

	// Remote image fetching limits.
	FetchTimeout  Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	FetchMaxBytes int64    `json:"fetch_max_bytes" yaml:"fetch_max_bytes"`

	// Per-IP write rate limiting.
	RateLimitWindow Duration `json:"rate_limit_window" yaml:"rate_limit_window"`
	RateLimitMax    int      `json:"rate_limit_max" yaml:"rate_limit_max"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8086,
		PublicDir:       "public",
		GalleryDir:      "data/gallery",
		RequestTimeout:  Duration(15 * time.Second),
		JSONBodyLimit:   25 * 1024 * 1024,
		FetchTimeout:    Duration(15 * time.Second),
		FetchMaxBytes:   15 * 1024 * 1024,
		RateLimitWindow: Duration(time.Minute),
		RateLimitMax:    60,
	}
}

// Load reads path (optional), applies environment overrides, validates and
// returns the result. An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, errors.KindValidation, "CONFIG_READ_FAILED",
				"read config file %s", path)
		}
		if err := unmarshal(path, raw, &cfg); err != nil {
			return cfg, errors.Wrap(err, errors.KindValidation, "CONFIG_PARSE_FAILED",
				"parse config file %s", path)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// unmarshal picks the codec by extension. YAML handles JSON input too, but
// keeping the explicit split makes config errors name the right format.
func unmarshal(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, cfg)
	case ".json":
		return yaml.Unmarshal(raw, cfg)
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// applyEnv overrides file values from LLMGALLERY_* variables.
func applyEnv(cfg *Config) {
	setString(&cfg.Host, "LLMGALLERY_HOST")
	setInt(&cfg.Port, "LLMGALLERY_PORT")
	setString(&cfg.PublicDir, "LLMGALLERY_PUBLIC_DIR")
	setString(&cfg.GalleryDir, "LLMGALLERY_GALLERY_DIR")
	setString(&cfg.LocalToken, "LLMGALLERY_LOCAL_TOKEN")
	setBool(&cfg.AllowInsecureLocal, "LLMGALLERY_ALLOW_INSECURE_LOCAL")
	setDuration(&cfg.RequestTimeout, "LLMGALLERY_REQUEST_TIMEOUT")
	setInt64(&cfg.JSONBodyLimit, "LLMGALLERY_JSON_BODY_LIMIT")
	setDuration(&cfg.FetchTimeout, "LLMGALLERY_FETCH_TIMEOUT")
	setInt64(&cfg.FetchMaxBytes, "LLMGALLERY_FETCH_MAX_BYTES")
	setDuration(&cfg.RateLimitWindow, "LLMGALLERY_RATE_LIMIT_WINDOW")
	setInt(&cfg.RateLimitMax, "LLMGALLERY_RATE_LIMIT_MAX")
}

// Validate checks ranges and paths without touching the filesystem.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Validation("CONFIG_INVALID_PORT", "port %d out of range", c.Port)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil && c.Host != "localhost" {
		return errors.Validation("CONFIG_INVALID_HOST", "host %q is not an IP or localhost", c.Host)
	}
	if c.GalleryDir == "" {
		return errors.Validation("CONFIG_MISSING_GALLERY_DIR", "gallery_dir cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.Validation("CONFIG_INVALID_TIMEOUT", "request_timeout must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.Validation("CONFIG_INVALID_TIMEOUT", "fetch_timeout must be positive")
	}
	if c.FetchMaxBytes <= 0 {
		return errors.Validation("CONFIG_INVALID_LIMIT", "fetch_max_bytes must be positive")
	}
	if c.JSONBodyLimit <= 0 {
		return errors.Validation("CONFIG_INVALID_LIMIT", "json_body_limit must be positive")
	}
	if c.RateLimitMax < 1 {
		return errors.Validation("CONFIG_INVALID_LIMIT", "rate_limit_max must be at least 1")
	}
	if c.RateLimitWindow <= 0 {
		return errors.Validation("CONFIG_INVALID_LIMIT", "rate_limit_window must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IndexPath returns the gallery index file location.
func (c Config) IndexPath() string {
	return filepath.Join(c.GalleryDir, "index.json")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = Duration(parsed)
		}
	}
}
