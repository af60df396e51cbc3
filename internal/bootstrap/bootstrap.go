// Package bootstrap builds the components shared by the server and the
// fetch worker from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/crawler"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/download"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/fetch"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/secrets"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store/redis"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store/sqlite"
)

var (
	newSQLite = func(path string) (store.FilingCache, func() error, error) {
		s, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	newPostgres = func(conn string) (store.FilingCache, func() error, error) {
		s, err := postgres.New(conn)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	newRedis = func(url string) (store.FilingCache, func() error, error) {
		s, err := redis.NewFromURL(url)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	newArchiver = func(cfg download.MinioConfig) (bucketArchiver, error) {
		return download.NewMinioArchiver(cfg)
	}
)

type bucketArchiver interface {
	download.Archiver
	EnsureBucket(ctx context.Context) error
}

func noopClose() error { return nil }

// OpenCache opens the configured cache backend. The returned func releases
// its connections.
func OpenCache(cfg config.Config) (store.FilingCache, func() error, error) {
	var (
		cache   store.FilingCache
		release func() error
		err     error
	)
	switch cfg.CacheBackend {
	case "memory":
		return memory.New(), noopClose, nil
	case "sqlite", "":
		cache, release, err = newSQLite(cfg.SQLitePath)
	case "postgres":
		cache, release, err = newPostgres(cfg.PostgresURL)
	case "redis":
		cache, release, err = newRedis(cfg.RedisURL)
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s cache: %w", cfg.CacheBackend, err)
	}
	return cache, release, nil
}

func Crawlers(cfg config.Config) crawler.Registry {
	client := &http.Client{Timeout: 30 * time.Second}
	ex := cfg.Exchanges
	return crawler.Registry{
		filing.ExchangeSH: crawler.NewSSECrawler(ex.SSEQueryURL, ex.SSEStaticURL, client, cfg.DownloadUserAgent),
		filing.ExchangeSZ: crawler.NewSZSECrawler(ex.SZSEQueryURL, ex.SZSEStaticURL, client, cfg.DownloadUserAgent),
		filing.ExchangeBJ: crawler.NewBSECrawler(ex.BSEListURL, ex.BSEBaseURL, client, cfg.DownloadUserAgent),
	}
}

// Auth opens the download credentials, which may be sealed with SECRETS_KEY.
func Auth(cfg config.Config) (*download.StaticAuth, error) {
	var key []byte
	if cfg.SecretsKey != "" {
		parsed, err := secrets.ParseKey(cfg.SecretsKey)
		if err != nil {
			return nil, fmt.Errorf("parse SECRETS_KEY: %w", err)
		}
		key = parsed
	}
	return download.NewStaticAuth(download.AuthContext{
		Token:     cfg.DownloadAuthToken,
		Cookie:    cfg.DownloadCookie,
		UserAgent: cfg.DownloadUserAgent,
	}, key, download.WithReload(reloadCredentials(cfg, envFile)))
}

var envFile = ".env"

// reloadCredentials re-reads the download credentials after a rejection.
// The env file wins over the process environment, which still holds the
// values loaded at startup.
func reloadCredentials(cfg config.Config, path string) func() download.AuthContext {
	return func() download.AuthContext {
		file, _ := godotenv.Read(path)
		lookup := func(key, fallback string) string {
			if value := file[key]; value != "" {
				return value
			}
			if value := os.Getenv(key); value != "" {
				return value
			}
			return fallback
		}
		return download.AuthContext{
			Token:     lookup("DOWNLOAD_AUTH_TOKEN", cfg.DownloadAuthToken),
			Cookie:    lookup("DOWNLOAD_COOKIE", cfg.DownloadCookie),
			UserAgent: lookup("DOWNLOAD_USER_AGENT", cfg.DownloadUserAgent),
		}
	}
}

// ArtifactWriter stores artifacts under ARTIFACT_DIR and, when an archive
// endpoint is configured, mirrors them to object storage.
func ArtifactWriter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*download.ArtifactWriter, error) {
	if cfg.ArchiveEndpoint == "" {
		return download.NewArtifactWriter(cfg.ArtifactDir, nil), nil
	}
	archiver, err := newArchiver(download.MinioConfig{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := archiver.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info().Str("endpoint", cfg.ArchiveEndpoint).Str("bucket", cfg.ArchiveBucket).Msg("artifact archive enabled")
	return download.NewArtifactWriter(cfg.ArtifactDir, archiver), nil
}

func RetryPolicy(cfg config.Config) fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxRetries:      cfg.FetchMaxRetries,
		InitialInterval: cfg.FetchInitialBackoff,
		MaxInterval:     cfg.FetchMaxBackoff,
	}
}

// LocalPipeline wires the crawlers, downloader and artifact writer into an
// in-process fetch pipeline using policy for retries.
func LocalPipeline(cfg config.Config, writer *download.ArtifactWriter, policy fetch.RetryPolicy, mt *metrics.Metrics, logger zerolog.Logger) (*fetch.LocalPipeline, error) {
	auth, err := Auth(cfg)
	if err != nil {
		return nil, err
	}
	return fetch.NewLocalPipeline(
		Crawlers(cfg),
		download.NewHTTPDownloader(nil),
		auth,
		writer,
		fetch.WithRetryPolicy(policy),
		fetch.WithPipelineMetrics(mt),
		fetch.WithPipelineLogger(logger),
	), nil
}

func LLMConfig(cfg config.Config) llm.Config {
	return llm.Config{
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		DeepSeekAPIKey:   cfg.DeepSeekAPIKey,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		GeminiAPIKey:     cfg.GeminiAPIKey,
	}
}
