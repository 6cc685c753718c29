// Package config loads server settings from env files, an optional YAML
// file and the environment, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string    `yaml:"port"`
	GinMode   string    `yaml:"gin_mode"`
	DevMode   bool      `yaml:"dev_mode"`
	DataDir   string    `yaml:"data_dir"`
	Database  string    `yaml:"database"`
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"` // text|json
	Renderer  Renderer  `yaml:"renderer"`
	LLM       LLM       `yaml:"llm"`
	Scan      Scan      `yaml:"scan"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type Renderer struct {
	Mode            string        `yaml:"mode"` // auto|browser|http
	RemoteURL       string        `yaml:"remote_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MinContentChars int           `yaml:"min_content_chars"`
}

type LLM struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type Scan struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	CreditCost    int           `yaml:"credit_cost"`
	FreeScans     *int          `yaml:"free_scans"`
	ResultTTL     time.Duration `yaml:"result_ttl"`

	// AllowPrivateHosts permits loopback and private targets, for local testing.
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst float64 `yaml:"burst"`
}

// envFiles are tried in order; the first one wins for keys it sets, since
// godotenv never overrides variables that are already present.
var envFiles = []string{".env.development", ".env"}

// Load reads env files, then the YAML file at path if path is not empty,
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	parse := func(key string, set func(string) error) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	str("PORT", &c.Port)
	str("GIN_MODE", &c.GinMode)
	str("DATA_DIR", &c.DataDir)
	str("DATABASE_PATH", &c.Database)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("RENDERER_MODE", &c.Renderer.Mode)
	str("CHROME_REMOTE_URL", &c.Renderer.RemoteURL)
	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_API_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)

	parse("DEV_MODE", func(v string) (err error) {
		c.DevMode, err = strconv.ParseBool(v)
		return err
	})
	parse("SCAN_MAX_CONCURRENT", func(v string) (err error) {
		c.Scan.MaxConcurrent, err = strconv.Atoi(v)
		return err
	})
	parse("SCAN_FREE_SCANS", func(v string) error {
		n, err := strconv.Atoi(v)
		c.Scan.FreeScans = &n
		return err
	})
	parse("LLM_TIMEOUT", func(v string) (err error) {
		c.LLM.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("RENDERER_TIMEOUT", func(v string) (err error) {
		c.Renderer.Timeout, err = time.ParseDuration(v)
		return err
	})
	return errors.Join(errs...)
}

// Validate fills defaults and rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		c.Port = "8082"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "aivis.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.LogFormat)
	}

	switch c.Renderer.Mode {
	case "":
		c.Renderer.Mode = "auto"
	case "auto", "browser", "http":
	default:
		return fmt.Errorf("unsupported renderer mode: %s", c.Renderer.Mode)
	}
	if c.Renderer.Timeout <= 0 {
		c.Renderer.Timeout = 30 * time.Second
	}
	if c.Renderer.MinContentChars <= 0 {
		c.Renderer.MinContentChars = 500
	}

	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 45 * time.Second
	}

	if c.Scan.MaxConcurrent < 0 {
		return errors.New("scan.max_concurrent must be >= 0")
	}
	if c.Scan.MaxConcurrent == 0 {
		c.Scan.MaxConcurrent = 4
	}
	if c.Scan.CreditCost <= 0 {
		c.Scan.CreditCost = 1
	}
	if c.Scan.FreeScans == nil {
		one := 1
		c.Scan.FreeScans = &one
	}
	if *c.Scan.FreeScans < 0 {
		return errors.New("scan.free_scans must be >= 0")
	}
	if c.Scan.ResultTTL <= 0 {
		c.Scan.ResultTTL = 24 * time.Hour
	}

	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = 2
	}
	if c.RateLimit.Burst < 1 {
		c.RateLimit.Burst = 5
	}
	return nil
}
