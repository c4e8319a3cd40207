package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for scoutd: the dispatcher daemon and the
// executor HTTP entry. It is constructed once at process start and passed
// down the call graph; nothing downstream reads a package-level singleton.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	LLM         LLMConfig         `mapstructure:"llm"`
	SearchScrape SearchScrapeConfig `mapstructure:"search_scrape"`
	Email       EmailConfig       `mapstructure:"email"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Credential  CredentialConfig  `mapstructure:"credential"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains the executor HTTP entry's listen settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":10010"
	}
	if !strings.HasPrefix(s.Address, ":") && !strings.Contains(s.Address, ":") {
		s.Address = ":" + s.Address
	}
	return s
}

// StorageConfig groups the Postgres and optional Redis connection settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings for the execution store.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres:// connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains the optional Redis pre-claim lock settings. Redis is
// never the source of truth for claim semantics; it is an optimization the
// dispatcher may skip entirely if unset.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != "" && strings.TrimSpace(r.Port) != ""
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LLMConfig describes the LLM provider adapter: Mode selects one of the two
// mutually exclusive provider modes, "direct" or "deployment", and Validate
// checks the fields that mode needs.
type LLMConfig struct {
	Mode           string        `mapstructure:"mode"` // "direct" or "deployment"
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`       // direct mode
	DeploymentName string        `mapstructure:"deployment_name"` // deployment mode
	APIVersion     string        `mapstructure:"api_version"`     // deployment mode
	ChatModel      string        `mapstructure:"chat_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	EmbeddingDims  int           `mapstructure:"embedding_dims"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	switch l.Mode {
	case "direct", "deployment":
	default:
		return fmt.Errorf("llm.mode must be %q or %q", "direct", "deployment")
	}
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if l.Mode == "direct" && strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url required in direct mode")
	}
	if l.Mode == "deployment" {
		if strings.TrimSpace(l.DeploymentName) == "" {
			return fmt.Errorf("llm.deployment_name required in deployment mode")
		}
		if strings.TrimSpace(l.APIVersion) == "" {
			return fmt.Errorf("llm.api_version required in deployment mode")
		}
	}
	return nil
}

func (l LLMConfig) Normalize() LLMConfig {
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	if l.EmbeddingDims <= 0 {
		l.EmbeddingDims = 1536
	}
	return l
}

// SearchScrapeConfig configures the combined search/scrape provider adapter.
type SearchScrapeConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BlacklistDomains []string      `mapstructure:"blacklist_domains"`
	DefaultCountry   string        `mapstructure:"default_country"`
}

func (s SearchScrapeConfig) Normalize() SearchScrapeConfig {
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if len(s.BlacklistDomains) == 0 {
		s.BlacklistDomains = DefaultBlacklistDomains
	}
	if s.DefaultCountry == "" {
		s.DefaultCountry = "us"
	}
	return s
}

// DefaultBlacklistDomains excludes social/video/paywalled hosts from search
// results.
var DefaultBlacklistDomains = []string{
	"youtube.com", "tiktok.com", "facebook.com", "instagram.com", "x.com",
	"twitter.com", "reddit.com", "pinterest.com", "wsj.com", "nytimes.com",
	"bloomberg.com", "ft.com",
}

// EmailConfig configures the transactional email sender adapter.
type EmailConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	From    string        `mapstructure:"from"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (e EmailConfig) Normalize() EmailConfig {
	if e.Timeout <= 0 {
		e.Timeout = 15 * time.Second
	}
	return e
}

// AnalyticsConfig configures the fire-and-forget analytics sink.
type AnalyticsConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (a AnalyticsConfig) Normalize() AnalyticsConfig {
	if a.BufferSize <= 0 {
		a.BufferSize = 256
	}
	if a.Timeout <= 0 {
		a.Timeout = 5 * time.Second
	}
	return a
}

// DispatcherConfig controls the minute-granularity dispatcher and the reaper.
type DispatcherConfig struct {
	TickCron        string        `mapstructure:"tick_cron"`
	ReapCron        string        `mapstructure:"reap_cron"`
	BatchCap        int           `mapstructure:"batch_cap"`
	ExecutorWallMax time.Duration `mapstructure:"executor_wall_max"`
	ExecutorBaseURL string        `mapstructure:"executor_base_url"`
}

func (d DispatcherConfig) Normalize() DispatcherConfig {
	if strings.TrimSpace(d.TickCron) == "" {
		d.TickCron = "* * * * *" // every minute
	}
	if strings.TrimSpace(d.ReapCron) == "" {
		d.ReapCron = "*/5 * * * *" // every 5 minutes
	}
	if d.BatchCap <= 0 {
		d.BatchCap = 500
	}
	if d.ExecutorWallMax <= 0 {
		d.ExecutorWallMax = 300 * time.Second // design-for ceiling
	}
	return d
}

// StaleThreshold is the reaper's "older_than" window: 2x the executor's wall
// ceiling.
func (d DispatcherConfig) StaleThreshold() time.Duration {
	return 2 * d.ExecutorWallMax
}

// AgentConfig carries the agent loop's bounds, constants the design pins
// explicitly (maxLoops=7, maxConsecutiveErrors=3) rather than leaving tunable,
// but still threaded through config for test overrides.
type AgentConfig struct {
	MaxLoops             int `mapstructure:"max_loops"`
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`
	RecentFindingsLimit  int `mapstructure:"recent_findings_limit"`
	DedupThreshold       float64 `mapstructure:"dedup_threshold"`
}

func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxLoops <= 0 {
		a.MaxLoops = 7
	}
	if a.MaxConsecutiveErrors <= 0 {
		a.MaxConsecutiveErrors = 3
	}
	if a.RecentFindingsLimit <= 0 {
		a.RecentFindingsLimit = 20
	}
	if a.DedupThreshold <= 0 {
		a.DedupThreshold = 0.85
	}
	return a
}

// CredentialConfig configures at-rest encryption of CredentialRecord key
// material, a secretbox key that must be exactly 32 bytes once decoded.
type CredentialConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

func (c CredentialConfig) Validate() error {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return fmt.Errorf("credential.encryption_key required")
	}
	if _, err := c.Key(); err != nil {
		return fmt.Errorf("credential.encryption_key: %w", err)
	}
	return nil
}

// Key decodes EncryptionKey (base64, standard encoding) into the fixed-size
// array nacl/secretbox requires.
func (c CredentialConfig) Key() ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return key, fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("decoded key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// TelemetryConfig controls the OpenTelemetry/Prometheus ambient stack.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceVersion string `mapstructure:"service_version"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.MetricsPort <= 0 {
		t.MetricsPort = 9090
	}
	if t.OTLPEndpoint == "" {
		t.OTLPEndpoint = "localhost:4317"
	}
	if t.ServiceVersion == "" {
		t.ServiceVersion = "dev"
	}
	return t
}

// Load reads configuration from an optional file plus environment, with
// viper precedence defaults < file < env. A .env file, if present, is
// loaded first so its values participate as ordinary environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, ".."))
		}
	}

	v.SetEnvPrefix("SCOUTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Server = cfg.Server.Normalize()
	cfg.LLM = cfg.LLM.Normalize()
	cfg.SearchScrape = cfg.SearchScrape.Normalize()
	cfg.Email = cfg.Email.Normalize()
	cfg.Analytics = cfg.Analytics.Normalize()
	cfg.Dispatcher = cfg.Dispatcher.Normalize()
	cfg.Agent = cfg.Agent.Normalize()
	cfg.Telemetry = cfg.Telemetry.Normalize()

	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Credential.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
