package combos

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/kwrank/combos/internal/fetch"
	"github.com/hazyhaar/kwrank/combos/internal/ratelimit"
	"github.com/hazyhaar/kwrank/combos/internal/scheduler"
	"github.com/hazyhaar/kwrank/combos/internal/score"
	"github.com/hazyhaar/kwrank/combos/internal/search"
	"github.com/hazyhaar/kwrank/connectivity"
)

// Config configures the combos service.
type Config struct {
	Search     search.Config    `yaml:"search"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Fetch      fetch.Config     `yaml:"fetch"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Generate   GenerateConfig   `yaml:"generate"`
	Limits     Limits           `yaml:"limits"`
	Thresholds score.Thresholds `yaml:"thresholds"`
	// Roles overrides the primary/secondary role of a source
	// ("title", "subtitle", "keyword_field").
	Roles map[string]string `yaml:"roles"`
}

// BreakerConfig sizes the upstream circuit breaker.
type BreakerConfig struct {
	Window       time.Duration `yaml:"window"`
	Buckets      int           `yaml:"buckets"`
	MinRequests  int           `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// GenerateConfig holds generation defaults applied when a request leaves a
// field at zero.
type GenerateConfig struct {
	MinLen       int   `yaml:"min_len"`
	MaxLen       int   `yaml:"max_len"`
	PerSourceCap int   `yaml:"per_source_cap"`
	MaxCombos    int   `yaml:"max_combos"`
	IncludeCross *bool `yaml:"include_cross"`
}

// Limits bounds request fields, in runes.
type Limits struct {
	TitleLen        int `yaml:"title_len"`
	SubtitleLen     int `yaml:"subtitle_len"`
	KeywordFieldLen int `yaml:"keyword_field_len"`
	LocaleLen       int `yaml:"locale_len"`
	MaxCombos       int `yaml:"max_combos"`
	MaxBrandTerms   int `yaml:"max_brand_terms"`
}

func (c *Config) defaults() {
	c.Search.Defaults()
	c.Fetch.Defaults()
	if c.Breaker.Window <= 0 {
		c.Breaker.Window = time.Minute
	}
	if c.Breaker.Buckets <= 0 {
		c.Breaker.Buckets = 6
	}
	if c.Breaker.MinRequests <= 0 {
		c.Breaker.MinRequests = 5
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		c.Breaker.FailureRatio = 0.5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenMax <= 0 {
		c.Breaker.HalfOpenMax = 2
	}
	if c.Generate.MinLen <= 0 {
		c.Generate.MinLen = 2
	}
	if c.Generate.MaxLen <= 0 {
		c.Generate.MaxLen = 4
	}
	if c.Generate.PerSourceCap <= 0 {
		c.Generate.PerSourceCap = 500
	}
	if c.Generate.IncludeCross == nil {
		on := true
		c.Generate.IncludeCross = &on
	}
	if c.Limits.TitleLen <= 0 {
		c.Limits.TitleLen = 30
	}
	if c.Limits.SubtitleLen <= 0 {
		c.Limits.SubtitleLen = 30
	}
	if c.Limits.KeywordFieldLen <= 0 {
		c.Limits.KeywordFieldLen = 100
	}
	if c.Limits.LocaleLen <= 0 {
		c.Limits.LocaleLen = 16
	}
	if c.Limits.MaxCombos <= 0 {
		c.Limits.MaxCombos = 5000
	}
	if c.Limits.MaxBrandTerms <= 0 {
		c.Limits.MaxBrandTerms = 50
	}
	if c.Thresholds.Medium == 0 && c.Thresholds.High == 0 {
		def := score.DefaultThresholds()
		c.Thresholds.Medium, c.Thresholds.High = def.Medium, def.High
	}
	// A count equal to the endpoint cap means "at least that many".
	c.Thresholds.Cap = c.Search.MaxResults
}

// DefaultConfig returns the stock configuration: iTunes Search upstream,
// 20 requests per minute, combos of 2 to 4 words.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfigFile reads a YAML config file over DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

// Validate checks values defaults cannot repair.
func (c *Config) Validate() error {
	if c.Generate.MinLen < minComboLen || c.Generate.MaxLen > maxComboLen || c.Generate.MinLen > c.Generate.MaxLen {
		return fmt.Errorf("generate: lengths must satisfy %d <= min_len <= max_len <= %d",
			minComboLen, maxComboLen)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	for src, role := range c.Roles {
		if _, err := parseSource(src); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
		if role != "primary" && role != "secondary" {
			return fmt.Errorf("roles: %s: unknown role %q", src, role)
		}
	}
	return nil
}

func (c *Config) breaker(onChange func(from, to connectivity.BreakerState)) *connectivity.CircuitBreaker {
	return connectivity.NewCircuitBreaker(
		connectivity.WithBreakerWindow(c.Breaker.Window, c.Breaker.Buckets),
		connectivity.WithBreakerMinRequests(c.Breaker.MinRequests),
		connectivity.WithBreakerFailureRatio(c.Breaker.FailureRatio),
		connectivity.WithBreakerResetTimeout(c.Breaker.ResetTimeout),
		connectivity.WithBreakerHalfOpenMax(c.Breaker.HalfOpenMax),
		connectivity.WithBreakerStateChange(onChange),
	)
}
