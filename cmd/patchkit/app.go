package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/schaermu/patchkit/internal/config"
	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/hashcache"
	"github.com/schaermu/patchkit/internal/update"
)

// app bundles the long-lived dependencies every command shares
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  *hashcache.Cache
	engine *update.Engine
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := hashcache.OpenStore(string(cfg.Cache.Backend), cfg.CachePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	cache := hashcache.New(store, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		engine: update.NewEngine(fetcher, cache, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("failed to close hash cache", "error", err)
	}
}

func newFetcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*fetch.Router, error) {
	httpFetcher := fetch.NewHTTPFetcher(
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithUserAgent(fmt.Sprintf("%s/%s", cfg.Fetch.UserAgent, version)),
	)
	opts := []fetch.RouterOption{fetch.WithHTTP(httpFetcher)}

	if usesS3(cfg) {
		client, err := fetch.NewS3Client(ctx, fetch.S3Config{
			Region:          cfg.Fetch.S3.Region,
			Endpoint:        cfg.Fetch.S3.Endpoint,
			AccessKeyID:     cfg.Fetch.S3.AccessKeyID,
			SecretAccessKey: cfg.Fetch.S3.SecretAccessKey,
			MaxRetries:      cfg.Fetch.S3.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		logger.Debug("s3 sources enabled", "region", cfg.Fetch.S3.Region, "endpoint", cfg.Fetch.S3.Endpoint)
		opts = append(opts, fetch.WithS3(fetch.NewS3Fetcher(client)))
	}

	return fetch.NewRouter(opts...), nil
}

// usesS3 reports whether s3:// sources can be reached with this configuration
func usesS3(cfg *config.Config) bool {
	if cfg.Fetch.S3.Region != "" || cfg.Fetch.S3.Endpoint != "" {
		return true
	}
	return strings.HasPrefix(cfg.Install.ManifestURL, "s3://") ||
		strings.HasPrefix(cfg.SelfUpdate.ManifestURL, "s3://")
}
