package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mycodehelper/internal/providers/registry"
	"mycodehelper/internal/secrets"
)

const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"

	DefaultSecretKeyID = "default"
)

var (
	ErrNoProvider         = errors.New("no AI provider configured: set HUGGING_FACE_API_KEY or LOCAL_AI_API_KEY")
	ErrInvalidFormat      = errors.New("output format must be 'text', 'markdown' or 'json'")
	ErrUnknownProvider    = errors.New("MYCODEHELPER_DEFAULT_PROVIDER names an unknown provider")
	ErrMissingSecretKey   = errors.New("a sealed api key requires MASTER_KEY_B64")
	ErrUnsupportedFileExt = errors.New("config file must be .json or .toml")
)

// providerPriority decides which backend is active when several have a
// credential and no default provider is named.
var providerPriority = []string{registry.KindHuggingFace, registry.KindLocalAI}

type Config struct {
	LocalAI         ProviderConfig
	HuggingFace     ProviderConfig
	DefaultProvider string

	MaxTokens    int
	Temperature  float64
	Streaming    bool
	OutputFormat string
	WordDelay    time.Duration
	ProjectRoot  string

	HTTP    HTTPConfig
	Rate    RateConfig
	Redis   RedisConfig
	DB      DBConfig
	Metrics MetricsConfig
	Log     LogConfig
	Secrets SecretsConfig
}

// ProviderConfig is the connection data of one backend. Temperature and
// MaxTokens are filled from the global settings by Active. Headers are sent
// with every local AI request, with "{{api_key}}" replaced by APIKey.
type ProviderConfig struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Headers     map[string]string
}

type HTTPConfig struct {
	ClientTimeout time.Duration
}

type RateConfig struct {
	PerHour int64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DBConfig configures the usage ledger. Entries older than Retention are
// pruned at startup; zero keeps everything.
type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
	Retention   time.Duration
}

type MetricsConfig struct {
	ListenAddr string
}

type LogConfig struct {
	Level string
}

type SecretsConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func Load() (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cfg := Config{
		LocalAI: ProviderConfig{
			Kind:    registry.KindLocalAI,
			APIKey:  mustEnv("LOCAL_AI_API_KEY", ""),
			BaseURL: mustEnv("LOCAL_AI_BASE_URL", "http://localhost:8080"),
			Model:   mustEnv("LOCAL_AI_MODEL", "llama-3.1-8b"),
		},
		HuggingFace: ProviderConfig{
			Kind:    registry.KindHuggingFace,
			APIKey:  mustEnv("HUGGING_FACE_API_KEY", ""),
			BaseURL: mustEnv("HUGGING_FACE_BASE_URL", "https://api-inference.huggingface.co"),
			Model:   mustEnv("HUGGING_FACE_MODEL", "microsoft/DialoGPT-large"),
		},
		DefaultProvider: mustEnv("MYCODEHELPER_DEFAULT_PROVIDER", ""),
		MaxTokens:       mustInt("MYCODEHELPER_MAX_TOKENS", 8192),
		Temperature:     mustFloat("MYCODEHELPER_TEMPERATURE", 0.7),
		Streaming:       mustBool("MYCODEHELPER_STREAMING", true),
		OutputFormat:    strings.ToLower(mustEnv("MYCODEHELPER_OUTPUT_FORMAT", FormatText)),
		WordDelay:       mustDuration("MYCODEHELPER_WORD_DELAY", 50*time.Millisecond),
		ProjectRoot:     cwd,
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 120*time.Second),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
			Retention:   mustDuration("USAGE_RETENTION", 30*24*time.Hour),
		},
		Metrics: MetricsConfig{
			ListenAddr: mustEnv("METRICS_ADDR", ""),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "warn")),
		},
	}

	sc, err := loadSecretsConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Secrets = sc

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.OutputFormat {
	case FormatText, FormatMarkdown, FormatJSON:
	default:
		return ErrInvalidFormat
	}
	if c.DefaultProvider != "" && registry.NormalizeKind(c.DefaultProvider) == "" {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.DefaultProvider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MYCODEHELPER_MAX_TOKENS must be > 0")
	}
	return nil
}

// Active returns the backend to use. A named default provider wins when it has
// a credential; otherwise providerPriority decides.
func (c Config) Active() (ProviderConfig, error) {
	byKind := map[string]ProviderConfig{
		registry.KindLocalAI:     c.LocalAI,
		registry.KindHuggingFace: c.HuggingFace,
	}
	order := providerPriority
	if kind := registry.NormalizeKind(c.DefaultProvider); kind != "" {
		order = append([]string{kind}, providerPriority...)
	}
	for _, kind := range order {
		p := byKind[kind]
		if strings.TrimSpace(p.APIKey) == "" {
			continue
		}
		p.Kind = kind
		p.Temperature = c.Temperature
		p.MaxTokens = c.MaxTokens
		return p, nil
	}
	return ProviderConfig{}, ErrNoProvider
}

// SecretBox returns nil when no master key is configured.
func (c Config) SecretBox() (*secrets.Box, error) {
	if len(c.Secrets.Keys) == 0 {
		return nil, nil
	}
	return secrets.NewBox(c.Secrets.CurrentKeyID, c.Secrets.Keys)
}

func loadSecretsConfig() (SecretsConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return SecretsConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if single := mustEnv("MASTER_KEY_B64", ""); single != "" {
		if current == "" {
			current = DefaultSecretKeyID
		}
		keysB64[current] = single
	}
	if len(keysB64) == 0 {
		return SecretsConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		k, err := secrets.DecodeKey(b64)
		if err != nil {
			return SecretsConfig{}, fmt.Errorf("master key %q: %w", id, err)
		}
		keys[id] = k
	}
	if current == "" {
		return SecretsConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with MASTER_KEYS_JSON")
	}
	if _, ok := keys[current]; !ok {
		return SecretsConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}
	return SecretsConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// fileConfig mirrors the keys accepted in a config file. Unset keys leave the
// environment value in place.
type fileConfig struct {
	DefaultProvider *string       `json:"default_provider" toml:"default_provider"`
	MaxTokens       *int          `json:"max_tokens" toml:"max_tokens"`
	Temperature     *float64      `json:"temperature" toml:"temperature"`
	Streaming       *bool         `json:"streaming" toml:"streaming"`
	OutputFormat    *string       `json:"output_format" toml:"output_format"`
	WordDelay       *string       `json:"word_delay" toml:"word_delay"`
	LocalAI         *fileProvider `json:"local_ai" toml:"local_ai"`
	HuggingFace     *fileProvider `json:"hugging_face" toml:"hugging_face"`
}

type fileProvider struct {
	APIKey    *string           `json:"api_key" toml:"api_key"`
	APIKeyEnc *string           `json:"api_key_enc" toml:"api_key_enc"`
	BaseURL   *string           `json:"base_url" toml:"base_url"`
	Model     *string           `json:"model" toml:"model"`
	Headers   map[string]string `json:"headers" toml:"headers"`
}

// WithFile returns a copy of c overlaid with the settings in path. c itself is
// left untouched.
func (c Config) WithFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(b), &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return Config{}, ErrUnsupportedFileExt
	}

	box, err := c.SecretBox()
	if err != nil {
		return Config{}, err
	}

	out := c
	if fc.DefaultProvider != nil {
		out.DefaultProvider = strings.TrimSpace(*fc.DefaultProvider)
	}
	if fc.MaxTokens != nil {
		out.MaxTokens = *fc.MaxTokens
	}
	if fc.Temperature != nil {
		out.Temperature = *fc.Temperature
	}
	if fc.Streaming != nil {
		out.Streaming = *fc.Streaming
	}
	if fc.OutputFormat != nil {
		out.OutputFormat = strings.ToLower(strings.TrimSpace(*fc.OutputFormat))
	}
	if fc.WordDelay != nil {
		d, err := time.ParseDuration(*fc.WordDelay)
		if err != nil {
			return Config{}, fmt.Errorf("parse word_delay: %w", err)
		}
		out.WordDelay = d
	}
	if out.LocalAI, err = overlayProvider(out.LocalAI, fc.LocalAI, box); err != nil {
		return Config{}, fmt.Errorf("local_ai: %w", err)
	}
	if out.HuggingFace, err = overlayProvider(out.HuggingFace, fc.HuggingFace, box); err != nil {
		return Config{}, fmt.Errorf("hugging_face: %w", err)
	}

	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func overlayProvider(p ProviderConfig, fp *fileProvider, box *secrets.Box) (ProviderConfig, error) {
	if fp == nil {
		return p, nil
	}
	if fp.APIKey != nil {
		p.APIKey = strings.TrimSpace(*fp.APIKey)
	}
	if fp.APIKeyEnc != nil {
		if box == nil {
			return ProviderConfig{}, ErrMissingSecretKey
		}
		key, err := box.Open(*fp.APIKeyEnc)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("open api_key_enc: %w", err)
		}
		p.APIKey = key
	}
	if fp.BaseURL != nil {
		p.BaseURL = strings.TrimSpace(*fp.BaseURL)
	}
	if fp.Model != nil {
		p.Model = strings.TrimSpace(*fp.Model)
	}
	if len(fp.Headers) > 0 {
		headers := make(map[string]string, len(p.Headers)+len(fp.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		for k, v := range fp.Headers {
			headers[k] = v
		}
		p.Headers = headers
	}
	return p, nil
}
