package remote

import (
	"context"
	"time"

	"modman/internal/config"
	"modman/internal/modman"
)

// NewClientFromConfig creates a client handling http, https and s3 urls.
func NewClientFromConfig(ctx context.Context, cfg config.RemoteConfig, logger modman.Logger) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	web := NewHTTPFetcher(timeout)

	s3f, err := NewS3FetcherFromConfig(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}

	return NewClient(logger, map[string]Fetcher{
		"http":  web,
		"https": web,
		"s3":    s3f,
	}), nil
}
