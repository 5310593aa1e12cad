// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/statement-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/statement-crawler/internal/retry"
	"github.com/JakeFAU/statement-crawler/internal/sink"
	"github.com/JakeFAU/statement-crawler/internal/useragent"
)

// EnvPrefix prefixes every environment override, e.g. STATEMENTS_SCRAPE_CONCURRENCY.
const EnvPrefix = "STATEMENTS"

// DefaultSymbols is the ticker list scraped when none is configured.
var DefaultSymbols = []string{
	"TSLA", "AAPL", "AMZN", "MSFT", "GOOGL", "FB", "NFLX", "NVDA", "BABA", "INTC",
	"V", "MA", "PYPL", "ADBE", "ORCL", "CSCO", "CRM", "UBER", "LYFT", "SPOT",
	"BA", "NKE", "SBUX", "DIS", "KO", "PEP", "WMT", "TGT", "HD", "LOW",
	"JPM", "GS", "BAC", "C", "WFC", "MS", "AMAT", "QCOM", "TXN", "MU",
	"AMD", "IBM", "HON", "GE", "MMM", "CAT", "UPS", "FDX", "XOM", "CVX",
}

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Retry      RetryConfig      `mapstructure:"retry"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	UserAgents []string         `mapstructure:"user_agents"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Output     OutputConfig     `mapstructure:"output"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ScrapeConfig selects what is scraped and how wide the pool is.
type ScrapeConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Symbols       []string      `mapstructure:"symbols"`
	PageTypes     []string      `mapstructure:"page_types"`
	Concurrency   int           `mapstructure:"concurrency"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// RetryConfig configures the per-item retry loop. MaxRetries counts total attempts.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
	Strategy   string        `mapstructure:"strategy"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// ProxyConfig configures the proxy directory and its liveness probe.
type ProxyConfig struct {
	File         string        `mapstructure:"file"`
	ProbeURL     string        `mapstructure:"probe_url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// PolitenessConfig configures per-host rate limiting.
type PolitenessConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RobotsConfig toggles robots.txt evaluation.
type RobotsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Respect bool          `mapstructure:"respect"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OutputConfig selects record sinks.
type OutputConfig struct {
	Format string       `mapstructure:"format"`
	Path   string       `mapstructure:"path"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds the optional downstream topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether records should also be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Option customizes the Viper instance before values are read.
type Option func(v *viper.Viper) error

// WithFlag lets a command-line flag override key when the flag was set.
func WithFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
		return nil
	}
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, an optional file, the environment and
// any bound flags, in increasing precedence.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scrape.base_url", "https://seekingalpha.com/symbol")
	v.SetDefault("scrape.symbols", DefaultSymbols)
	v.SetDefault("scrape.page_types", []string{
		string(crawler.PageFinancials), string(crawler.PageBalanceSheet), string(crawler.PageCashFlow),
	})
	v.SetDefault("scrape.concurrency", 10)
	v.SetDefault("scrape.shutdown_grace", "60s")
	v.SetDefault("retry.max_retries", retry.DefaultMaxAttempts)
	v.SetDefault("retry.delay", "5s")
	v.SetDefault("retry.jitter", "0s")
	v.SetDefault("retry.strategy", string(retry.StrategyFixed))
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("http.connect_timeout", "30s")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.max_redirects", collyfetcher.DefaultMaxRedirects)
	v.SetDefault("http.insecure_skip_verify", false)
	v.SetDefault("user_agents", useragent.DefaultAgents)
	v.SetDefault("proxy.file", "")
	v.SetDefault("proxy.probe_url", "https://httpbin.org/ip")
	v.SetDefault("proxy.probe_timeout", "10s")
	v.SetDefault("proxy.cache_ttl", "0s")
	v.SetDefault("politeness.requests_per_second", 0.0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.respect", false)
	v.SetDefault("robots.agent", "*")
	v.SetDefault("robots.timeout", "10s")
	v.SetDefault("output.format", string(sink.FormatText))
	v.SetDefault("output.path", "")
	v.SetDefault("output.pubsub.project_id", "")
	v.SetDefault("output.pubsub.topic", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scrape.BaseURL == "" {
		return fmt.Errorf("scrape.base_url must be set")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Scrape.ShutdownGrace <= 0 {
		return fmt.Errorf("scrape.shutdown_grace must be > 0")
	}
	if _, err := c.PageTypes(); err != nil {
		return err
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0")
	}
	if c.Retry.Delay < 0 || c.Retry.Jitter < 0 {
		return fmt.Errorf("retry.delay and retry.jitter must be >= 0")
	}
	switch retry.Strategy(c.Retry.Strategy) {
	case retry.StrategyFixed, retry.StrategyExponential:
	default:
		return fmt.Errorf("retry.strategy must be %q or %q", retry.StrategyFixed, retry.StrategyExponential)
	}
	if c.HTTP.ConnectTimeout <= 0 || c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("http.connect_timeout and http.read_timeout must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	if c.Proxy.ProbeTimeout <= 0 {
		return fmt.Errorf("proxy.probe_timeout must be > 0")
	}
	if c.Proxy.CacheTTL < 0 {
		return fmt.Errorf("proxy.cache_ttl must be >= 0")
	}
	if c.Politeness.RequestsPerSecond < 0 {
		return fmt.Errorf("politeness.requests_per_second must be >= 0")
	}
	if _, err := sink.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	if (c.Output.PubSub.ProjectID == "") != (c.Output.PubSub.Topic == "") {
		return fmt.Errorf("output.pubsub.project_id and output.pubsub.topic must be set together")
	}
	return nil
}

// PageTypes parses the configured page type names.
func (c Config) PageTypes() ([]crawler.PageType, error) {
	if len(c.Scrape.PageTypes) == 0 {
		return nil, fmt.Errorf("scrape.page_types must not be empty")
	}
	out := make([]crawler.PageType, 0, len(c.Scrape.PageTypes))
	for _, raw := range c.Scrape.PageTypes {
		pt, err := crawler.ParsePageType(raw)
		if err != nil {
			return nil, fmt.Errorf("scrape.page_types: %w", err)
		}
		out = append(out, pt)
	}
	return out, nil
}

// Symbols returns the configured tickers as crawler symbols.
func (c Config) Symbols() []crawler.Symbol {
	out := make([]crawler.Symbol, 0, len(c.Scrape.Symbols))
	for _, s := range c.Scrape.Symbols {
		out = append(out, crawler.Symbol(s))
	}
	return out
}

// RetryPolicy converts the retry settings into a policy.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.NewPolicy(c.Retry.MaxRetries, c.Retry.Delay, c.Retry.Jitter)
	p.Strategy = retry.Strategy(c.Retry.Strategy)
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	return p
}
