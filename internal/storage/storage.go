// Package storage provides the blob stores rendition sets are published to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	DriverS3         = "s3"
	DriverFilesystem = "filesystem"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 2
	defaultRegion         = "us-east-1"
)

var ErrNotConfigured = errors.New("object storage not configured")

// Object describes a stored blob.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// Store is a keyed blob store. URL must be a pure function of the key so that
// callers can compute addresses before or after upload.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.ReadSeeker) (Object, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Config selects and configures a Store.
type Config struct {
	Driver string

	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
	MaxRetries     int

	// Dir and PublicBase configure the filesystem driver.
	Dir        string
	PublicBase string

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Driver == "" {
		cfg.Driver = DriverS3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// New builds the store selected by cfg.Driver.
func New(cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverS3:
		client, err := NewS3(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case DriverFilesystem:
		store, err := NewDirStore(cfg.Dir, cfg.PublicBase)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func joinURL(base, key string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return trimmed
	}
	return trimmed + "/" + escapeKey(key)
}

// escapeKey percent-encodes each path segment of key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = uriEncode(part)
	}
	return strings.Join(parts, "/")
}
