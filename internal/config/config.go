package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/policy"
	"github.com/gayhub/subpool/internal/pool"
)

// Config is the full service configuration. File values are overridden by the
// environment.
type Config struct {
	HTTPAddr   string   `toml:"http_addr" yaml:"http_addr"`
	DataDir    string   `toml:"data_dir" yaml:"data_dir"`
	DBPath     string   `toml:"db_path" yaml:"db_path"`
	StaticDir  string   `toml:"static_dir" yaml:"static_dir"`
	MediaPaths []string `toml:"media_paths" yaml:"media_paths"`
	AppSecret  string   `toml:"app_secret" yaml:"app_secret"`

	Logging Logging `toml:"logging" yaml:"logging"`
	Pool    Pool    `toml:"pool" yaml:"pool"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Pool contains the provider pool and download pipeline settings.
type Pool struct {
	Providers       []string                  `toml:"providers" yaml:"providers"`
	ProviderConfigs map[string]map[string]any `toml:"provider_configs" yaml:"provider_configs"`
	Blacklist       []policy.BlacklistEntry   `toml:"blacklist" yaml:"blacklist"`
	BanList         policy.BanListConfig      `toml:"ban_list" yaml:"ban_list"`
	LanguageEquals  [][]string                `toml:"language_equals" yaml:"language_equals"`

	Languages         []string `toml:"languages" yaml:"languages"`
	MinScore          int      `toml:"min_score" yaml:"min_score"`
	HearingImpaired   string   `toml:"hearing_impaired" yaml:"hearing_impaired"`
	OnlyOne           bool     `toml:"only_one" yaml:"only_one"`
	UseOriginalFormat bool     `toml:"use_original_format" yaml:"use_original_format"`

	Async      bool `toml:"async" yaml:"async"`
	MaxWorkers int  `toml:"max_workers" yaml:"max_workers"`

	LifetimeHours     int `toml:"lifetime_hours" yaml:"lifetime_hours"`
	DownloadTries     int `toml:"download_tries" yaml:"download_tries"`
	RetrySleepSeconds int `toml:"retry_sleep_seconds" yaml:"retry_sleep_seconds"`

	NoTextNormalization bool     `toml:"no_text_normalization" yaml:"no_text_normalization"`
	HITag               string   `toml:"hi_tag" yaml:"hi_tag"`
	ScoreExclusions     []string `toml:"score_exclusions" yaml:"score_exclusions"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTPAddr:   ":8080",
		DataDir:    "/app/data",
		StaticDir:  "/app/web/dist",
		MediaPaths: []string{"/media"},
		Logging:    Logging{Level: "info"},
		Pool: Pool{
			ProviderConfigs:   map[string]map[string]any{},
			Languages:         []string{"en"},
			HearingImpaired:   pool.HIDisabled.String(),
			Async:             true,
			LifetimeHours:     int(pool.DefaultLifetime / time.Hour),
			DownloadTries:     pool.DefaultDownloadTries,
			RetrySleepSeconds: int(pool.DefaultRetrySleep / time.Second),
			HITag:             "hi",
			ScoreExclusions:   []string{"hash"},
		},
	}
}

// Load reads path (TOML, or YAML when the extension says so) over the
// defaults, applies environment overrides and validates the result. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := ensureDirs(cfg.DataDir); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.DataDir = envOrDefault("DATA_DIR", c.DataDir)
	c.DBPath = envOrDefault("DB_PATH", c.DBPath)
	c.StaticDir = envOrDefault("STATIC_DIR", c.StaticDir)
	if raw := os.Getenv("MEDIA_PATHS"); strings.TrimSpace(raw) != "" {
		c.MediaPaths = splitComma(raw)
	}
	c.AppSecret = envOrDefault("APP_SECRET", c.AppSecret)
	c.Logging.Level = envOrDefault("SUBPOOL_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOrDefault("SUBPOOL_LOG_FORMAT", c.Logging.Format)
	c.Pool.HITag = envOrDefault("SUBPOOL_HI_TAG", c.Pool.HITag)
	if raw := os.Getenv("SUBPOOL_NO_TEXT_NORMALIZATION"); raw != "" {
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			c.Pool.NoTextNormalization = v
		}
	}
	if raw := os.Getenv("SUBPOOL_PROVIDERS"); strings.TrimSpace(raw) != "" {
		c.Pool.Providers = splitComma(raw)
	}

	c.setProviderOption("assrt", "token", os.Getenv("ASSRT_TOKEN"))
	c.setProviderOption("opensubtitles", "api_key", os.Getenv("OPENSUBTITLES_API_KEY"))
	c.setProviderOption("opensubtitles", "username", os.Getenv("OPENSUBTITLES_USERNAME"))
	c.setProviderOption("opensubtitles", "password", os.Getenv("OPENSUBTITLES_PASSWORD"))
	c.setProviderOption("opensubtitles", "user_agent", os.Getenv("OPENSUBTITLES_USER_AGENT"))
}

func (c *Config) setProviderOption(name, key, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if c.Pool.ProviderConfigs == nil {
		c.Pool.ProviderConfigs = map[string]map[string]any{}
	}
	if c.Pool.ProviderConfigs[name] == nil {
		c.Pool.ProviderConfigs[name] = map[string]any{}
	}
	c.Pool.ProviderConfigs[name][key] = value
}

func (c *Config) normalize() {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.DataDir, "subpool.db")
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	p := &c.Pool
	for i, name := range p.Providers {
		p.Providers[i] = strings.ToLower(strings.TrimSpace(name))
	}
	if len(p.Providers) == 0 {
		// With nothing listed, enable every provider that has credentials.
		if p.ProviderConfigs["assrt"]["token"] != nil {
			p.Providers = append(p.Providers, "assrt")
		}
		if p.ProviderConfigs["opensubtitles"]["api_key"] != nil {
			p.Providers = append(p.Providers, "opensubtitles")
		}
	}
	if p.DownloadTries <= 0 {
		p.DownloadTries = pool.DefaultDownloadTries
	}
	if p.LifetimeHours <= 0 {
		p.LifetimeHours = int(pool.DefaultLifetime / time.Hour)
	}
	if p.RetrySleepSeconds <= 0 {
		p.RetrySleepSeconds = int(pool.DefaultRetrySleep / time.Second)
	}
	p.HITag = strings.TrimSpace(p.HITag)
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr must be set")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	switch c.Logging.Format {
	case "", "console", "text", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if _, err := language.ParseSet(c.Pool.Languages); err != nil {
		return fmt.Errorf("pool.languages: %w", err)
	}
	if _, err := pool.ParseHIPreference(c.Pool.HearingImpaired); err != nil {
		return fmt.Errorf("pool.hearing_impaired: %w", err)
	}
	if _, err := policy.NewBanList(c.Pool.BanList); err != nil {
		return fmt.Errorf("pool.ban_list: %w", err)
	}
	if _, err := policy.NewLanguageEquals(c.Pool.LanguageEquals); err != nil {
		return fmt.Errorf("pool.language_equals: %w", err)
	}
	if c.Pool.MinScore < 0 {
		return errors.New("pool.min_score must be >= 0")
	}
	if c.Pool.MaxWorkers < 0 {
		return errors.New("pool.max_workers must be >= 0")
	}
	return nil
}

// Lifetime returns the pool recycle interval.
func (p Pool) Lifetime() time.Duration {
	return time.Duration(p.LifetimeHours) * time.Hour
}

// RetrySleep returns the pause between download retries.
func (p Pool) RetrySleep() time.Duration {
	return time.Duration(p.RetrySleepSeconds) * time.Second
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return errors.New("directory path is empty")
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func splitComma(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
