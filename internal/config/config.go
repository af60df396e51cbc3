package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	CacheBackend     string
	SQLitePath       string
	PostgresURL      string
	RedisURL         string
	CacheFaultPolicy string

	ArtifactDir      string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveUseSSL    bool

	FetchExecutor       string
	FetchMaxRetries     int
	FetchInitialBackoff time.Duration
	FetchMaxBackoff     time.Duration
	TemporalAddress     string
	TemporalTaskQueue   string

	DownloadUserAgent string
	DownloadAuthToken string
	DownloadCookie    string
	SecretsKey        string

	Exchanges Exchanges

	LLMProvider      string
	LLMModel         string
	LLMBaseURL       string
	DeepSeekAPIKey   string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	GeminiAPIKey     string
	AgentMaxTurns    int

	CORSOrigins []string
}

type Exchanges struct {
	SSEQueryURL   string `yaml:"sse_query_url"`
	SSEStaticURL  string `yaml:"sse_static_url"`
	SZSEQueryURL  string `yaml:"szse_query_url"`
	SZSEStaticURL string `yaml:"szse_static_url"`
	BSEListURL    string `yaml:"bse_list_url"`
	BSEBaseURL    string `yaml:"bse_base_url"`
}

type fileOverlay struct {
	Exchanges Exchanges `yaml:"exchanges"`
	Fetch     struct {
		MaxRetries     *int   `yaml:"max_retries"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
	} `yaml:"fetch"`
	CORSOrigins []string `yaml:"cors_origins"`
}

var loadDotenv = func() error {
	return godotenv.Load()
}

func Load() (Config, error) {
	if err := loadDotenv(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		CacheBackend:     strings.ToLower(getEnv("CACHE_BACKEND", "sqlite")),
		SQLitePath:       getEnv("SQLITE_PATH", "data/filings.db"),
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheFaultPolicy: strings.ToLower(getEnv("CACHE_FAULT_POLICY", "fetch")),

		ArtifactDir:      getEnv("ARTIFACT_DIR", "data/pdf"),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", "filings"),
		ArchiveUseSSL:    getEnvBool("ARCHIVE_USE_SSL", false),

		FetchExecutor:       strings.ToLower(getEnv("FETCH_EXECUTOR", "local")),
		FetchMaxRetries:     getEnvInt("FETCH_MAX_RETRIES", 3),
		FetchInitialBackoff: getEnvDuration("FETCH_INITIAL_BACKOFF", 500*time.Millisecond),
		FetchMaxBackoff:     getEnvDuration("FETCH_MAX_BACKOFF", 8*time.Second),
		TemporalAddress:     getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:   getEnv("TEMPORAL_TASK_QUEUE", "filing-fetch"),

		DownloadUserAgent: getEnv("DOWNLOAD_USER_AGENT", "Mozilla/5.0 (filing-analyst)"),
		DownloadAuthToken: getEnv("DOWNLOAD_AUTH_TOKEN", ""),
		DownloadCookie:    getEnv("DOWNLOAD_COOKIE", ""),
		SecretsKey:        getEnv("SECRETS_KEY", ""),

		Exchanges: Exchanges{
			SSEQueryURL:   getEnv("SSE_QUERY_URL", "https://query.sse.com.cn/security/stock/queryCompanyBulletin.do"),
			SSEStaticURL:  getEnv("SSE_STATIC_URL", "https://static.sse.com.cn"),
			SZSEQueryURL:  getEnv("SZSE_QUERY_URL", "https://www.szse.cn/api/disc/announcement/annList"),
			SZSEStaticURL: getEnv("SZSE_STATIC_URL", "https://disc.static.szse.cn/download"),
			BSEListURL:    getEnv("BSE_LIST_URL", "https://www.bse.cn/disclosure/announcement.html"),
			BSEBaseURL:    getEnv("BSE_BASE_URL", "https://www.bse.cn"),
		},

		LLMProvider:      strings.ToLower(getEnv("LLM_PROVIDER", "deepseek")),
		LLMModel:         getEnv("LLM_MODEL", "deepseek-chat"),
		LLMBaseURL:       getEnv("LLM_BASE_URL", ""),
		DeepSeekAPIKey:   getEnv("DEEPSEEK_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		AgentMaxTurns:    getEnvInt("AGENT_MAX_TURNS", 12),

		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
	}
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.CacheBackend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.CacheBackend == "postgres" && c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required for the postgres cache backend")
	}
	switch c.CacheFaultPolicy {
	case "fetch", "fail":
	default:
		return fmt.Errorf("unsupported CACHE_FAULT_POLICY %q", c.CacheFaultPolicy)
	}
	switch c.FetchExecutor {
	case "local", "temporal":
	default:
		return fmt.Errorf("unsupported FETCH_EXECUTOR %q", c.FetchExecutor)
	}
	if c.FetchMaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES must not be negative")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	mergeString(&cfg.Exchanges.SSEQueryURL, overlay.Exchanges.SSEQueryURL)
	mergeString(&cfg.Exchanges.SSEStaticURL, overlay.Exchanges.SSEStaticURL)
	mergeString(&cfg.Exchanges.SZSEQueryURL, overlay.Exchanges.SZSEQueryURL)
	mergeString(&cfg.Exchanges.SZSEStaticURL, overlay.Exchanges.SZSEStaticURL)
	mergeString(&cfg.Exchanges.BSEListURL, overlay.Exchanges.BSEListURL)
	mergeString(&cfg.Exchanges.BSEBaseURL, overlay.Exchanges.BSEBaseURL)
	if overlay.Fetch.MaxRetries != nil {
		cfg.FetchMaxRetries = *overlay.Fetch.MaxRetries
	}
	if overlay.Fetch.InitialBackoff != "" {
		parsed, err := time.ParseDuration(overlay.Fetch.InitialBackoff)
		if err != nil {
			return fmt.Errorf("parse fetch.initial_backoff: %w", err)
		}
		cfg.FetchInitialBackoff = parsed
	}
	if overlay.Fetch.MaxBackoff != "" {
		parsed, err := time.ParseDuration(overlay.Fetch.MaxBackoff)
		if err != nil {
			return fmt.Errorf("parse fetch.max_backoff: %w", err)
		}
		cfg.FetchMaxBackoff = parsed
	}
	if len(overlay.CORSOrigins) > 0 {
		cfg.CORSOrigins = overlay.CORSOrigins
	}
	return nil
}

func mergeString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
