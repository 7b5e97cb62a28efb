package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultStream = "bitriver:vod:jobs"
	defaultMaxLen = 10000
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MaxLen       int64
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

// RedisSink appends events to a Redis stream, trimmed to roughly MaxLen
// entries.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisSink connects and pings the server. Several addresses form a
// cluster, or a sentinel set when MasterName is given.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	addrs := cfg.addresses()
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	sink := &RedisSink{client: client, stream: defaultStream, maxLen: defaultMaxLen, logger: cfg.Logger}
	if stream := strings.TrimSpace(cfg.Stream); stream != "" {
		sink.stream = stream
	}
	if cfg.MaxLen > 0 {
		sink.maxLen = cfg.MaxLen
	}
	if sink.logger == nil {
		sink.logger = slog.Default()
	}
	return sink, nil
}

// addresses merges Addr into Addrs, dropping blanks and duplicates.
func (c RedisConfig) addresses() []string {
	seen := make(map[string]struct{}, len(c.Addrs)+1)
	var out []string
	for _, addr := range append(append([]string(nil), c.Addrs...), c.Addr) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	if event.JobID == "" || event.State == "" {
		return errors.New("event job id and state are required")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: []any{"job_id", event.JobID, "state", event.State, "payload", string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	s.logger.Debug("job event appended", "stream", s.stream, "job_id", event.JobID, "state", event.State)
	return nil
}

// Ping checks that the stream server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// buildTLSConfig returns nil when no TLS option is set, which keeps the
// connection in plain text.
func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg == (RedisTLSConfig{}) {
		return nil, nil
	}
	out := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca bundle: %w", err)
		}
		out.RootCAs = x509.NewCertPool()
		if !out.RootCAs.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis ca bundle %s has no certificates", cfg.CAFile)
		}
	}
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.New("redis client certificate needs both cert and key files")
	}
	return out, nil
}
