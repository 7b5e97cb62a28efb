// Package config loads the service configuration from a YAML file and the
// environment. Values resolve in this order: built-in defaults, the file,
// BITRIVER_VOD_* and AWS_* variables, then command line flags applied by the
// caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bitriver-vod/internal/events"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/publish"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Events    EventsConfig    `yaml:"events"`
	API       APIConfig       `yaml:"api"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TranscodeConfig struct {
	FFmpegPath  string           `yaml:"ffmpeg_path"`
	Ladder      ladder.Ladder    `yaml:"ladder"`
	Packaging   ladder.Packaging `yaml:"packaging"`
	VideoCodec  string           `yaml:"video_codec"`
	AudioCodec  string           `yaml:"audio_codec"`
	Preset      string           `yaml:"preset"`
	FrameRate   int              `yaml:"frame_rate"`
	GOPSeconds  int              `yaml:"gop_seconds"`
	ExtraArgs   []string         `yaml:"extra_args"`
	KillTimeout time.Duration    `yaml:"kill_timeout"`
}

type PipelineConfig struct {
	WorkDir    string        `yaml:"work_dir"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	KeepOutput bool          `yaml:"keep_output"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	// InstanceID marks the job records this process creates. It must stay
	// the same across restarts of one replica; empty means the hostname.
	InstanceID string        `yaml:"instance_id"`
}

type StorageConfig struct {
	Driver            string        `yaml:"driver"`
	Endpoint          string        `yaml:"endpoint"`
	Region            string        `yaml:"region"`
	AccessKey         string        `yaml:"access_key"`
	SecretKey         string        `yaml:"secret_key"`
	Bucket            string        `yaml:"bucket"`
	UseSSL            bool          `yaml:"use_ssl"`
	Prefix            string        `yaml:"prefix"`
	PublicEndpoint    string        `yaml:"public_endpoint"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	Dir               string        `yaml:"dir"`
	PublicBase        string        `yaml:"public_base"`
	// ServeLocal exposes Dir under /media/ on the API listener.
	ServeLocal        bool          `yaml:"serve_local"`
	Namespace         string        `yaml:"namespace"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
	CleanupOnFailure  bool          `yaml:"cleanup_on_failure"`
}

type JobsConfig struct {
	Driver          string        `yaml:"driver"`
	Dir             string        `yaml:"dir"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	Timeout         time.Duration `yaml:"timeout"`
	// Retention bounds how long the memory driver keeps finished jobs.
	Retention       time.Duration `yaml:"retention"`
}

type EventsConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr               string        `yaml:"addr"`
	Addrs              []string      `yaml:"addrs"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Stream             string        `yaml:"stream"`
	MaxLen             int64         `yaml:"max_len"`
	MasterName         string        `yaml:"master_name"`
	PoolSize           int           `yaml:"pool_size"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	TLSCA              string        `yaml:"tls_ca"`
	TLSCert            string        `yaml:"tls_cert"`
	TLSKey             string        `yaml:"tls_key"`
	TLSServerName      string        `yaml:"tls_server_name"`
	InsecureSkipVerify bool          `yaml:"tls_skip_verify"`
}

type APIConfig struct {
	TokenHashes     []string      `yaml:"token_hashes"`
	UploadDir       string        `yaml:"upload_dir"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	// UploadRetention bounds how long a staged upload may linger after a
	// crash before the sweeper removes it. Zero disables sweeping.
	UploadRetention time.Duration `yaml:"upload_retention"`
}

const (
	JobsDriverMemory   = "memory"
	JobsDriverJSON     = "json"
	JobsDriverPostgres = "postgres"

	EventsDriverNone  = "none"
	EventsDriverRedis = "redis"
)

// Default returns a configuration that runs locally against a filesystem
// mirror with in-memory job records.
func Default() Config {
	workDir := filepath.Join(os.TempDir(), "bitriver-vod")
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Transcode: TranscodeConfig{
			FFmpegPath:  "ffmpeg",
			Ladder:      ladder.Default(),
			Packaging:   ladder.DefaultPackaging(),
			KillTimeout: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			WorkDir:    filepath.Join(workDir, "work"),
			JobTimeout: 30 * time.Minute,
			Workers:    2,
			QueueSize:  64,
		},
		Storage: StorageConfig{
			Driver:            storage.DriverFilesystem,
			UseSSL:            true,
			Dir:               filepath.Join(workDir, "published"),
			PublicBase:        "http://localhost:8080/media",
			ServeLocal:        true,
			Namespace:         "videos",
			UploadConcurrency: 4,
			CleanupOnFailure:  true,
			MaxRetries:        2,
			RequestTimeout:    30 * time.Second,
		},
		Jobs:   JobsConfig{Driver: JobsDriverMemory, Timeout: 5 * time.Second, Retention: 24 * time.Hour},
		Events: EventsConfig{Driver: EventsDriverNone},
		API: APIConfig{
			UploadDir:       filepath.Join(workDir, "uploads"),
			MaxUploadBytes:  4 << 30,
			UploadRetention: 24 * time.Hour,
		},
	}
}

// Load reads path (optional) over the defaults and applies the process
// environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert and server.tls_key must be set together")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %w", err)
	}

	if strings.TrimSpace(c.Transcode.FFmpegPath) == "" {
		add("transcode.ffmpeg_path is required")
	}
	if err := c.Transcode.Ladder.Validate(); err != nil {
		add("transcode.ladder: %w", err)
	}

	if strings.TrimSpace(c.Pipeline.WorkDir) == "" {
		add("pipeline.work_dir is required")
	}
	if c.Pipeline.JobTimeout <= 0 {
		add("pipeline.job_timeout must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		add("pipeline.workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		add("pipeline.queue_size must be positive")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverS3:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			add("storage.bucket is required for the s3 driver")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			add("storage.access_key and storage.secret_key are required for the s3 driver")
		}
	case storage.DriverFilesystem:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			add("storage.dir is required for the filesystem driver")
		}
		if strings.TrimSpace(c.Storage.PublicBase) == "" {
			add("storage.public_base is required for the filesystem driver")
		}
	default:
		add("storage.driver must be %s or %s, got %q", storage.DriverS3, storage.DriverFilesystem, c.Storage.Driver)
	}
	for _, segment := range strings.Split(strings.Trim(c.Storage.Namespace, "/ "), "/") {
		if segment == ".." || segment == "." {
			add("storage.namespace must not contain relative segments, got %q", c.Storage.Namespace)
			break
		}
	}

	switch strings.ToLower(c.Jobs.Driver) {
	case JobsDriverMemory:
		if c.Jobs.Retention < 0 {
			add("jobs.retention must not be negative")
		}
	case JobsDriverJSON:
		if strings.TrimSpace(c.Jobs.Dir) == "" {
			add("jobs.dir is required for the json driver")
		}
	case JobsDriverPostgres:
		if strings.TrimSpace(c.Jobs.PostgresDSN) == "" {
			add("jobs.postgres_dsn is required for the postgres driver")
		}
	default:
		add("jobs.driver must be memory, json or postgres, got %q", c.Jobs.Driver)
	}

	switch strings.ToLower(c.Events.Driver) {
	case "", EventsDriverNone:
	case EventsDriverRedis:
		if strings.TrimSpace(c.Events.Redis.Addr) == "" && len(c.Events.Redis.Addrs) == 0 {
			add("events.redis.addr is required for the redis driver")
		}
	default:
		add("events.driver must be none or redis, got %q", c.Events.Driver)
	}

	if c.API.MaxUploadBytes <= 0 {
		add("api.max_upload_bytes must be positive")
	}
	if c.API.UploadRetention < 0 {
		add("api.upload_retention must not be negative")
	} else if c.API.UploadRetention > 0 && c.API.UploadRetention <= c.Pipeline.JobTimeout {
		add("api.upload_retention must exceed pipeline.job_timeout")
	}
	return errors.Join(problems...)
}

// FFmpeg maps the transcode section onto the engine adapter config.
func (c Config) FFmpeg(logger *slog.Logger) transcode.Config {
	t := c.Transcode
	return transcode.Config{
		Binary:    t.FFmpegPath,
		Ladder:    t.Ladder,
		Packaging: t.Packaging.WithDefaults(),
		Options: transcode.Options{
			VideoCodec: t.VideoCodec,
			AudioCodec: t.AudioCodec,
			Preset:     t.Preset,
			GOPSeconds: t.GOPSeconds,
			FrameRate:  t.FrameRate,
			ExtraArgs:  t.ExtraArgs,
		},
		KillTimeout: t.KillTimeout,
		Logger:      logger,
	}
}

func (c Config) Store(logger *slog.Logger) storage.Config {
	s := c.Storage
	return storage.Config{
		Driver:         strings.ToLower(s.Driver),
		Endpoint:       s.Endpoint,
		Region:         s.Region,
		AccessKey:      s.AccessKey,
		SecretKey:      s.SecretKey,
		Bucket:         s.Bucket,
		UseSSL:         s.UseSSL,
		Prefix:         s.Prefix,
		PublicEndpoint: s.PublicEndpoint,
		RequestTimeout: s.RequestTimeout,
		MaxRetries:     s.MaxRetries,
		Dir:            s.Dir,
		PublicBase:     s.PublicBase,
		Logger:         logger,
	}
}

func (c Config) Publisher(logger *slog.Logger) publish.Config {
	return publish.Config{
		Namespace:        c.Storage.Namespace,
		Concurrency:      c.Storage.UploadConcurrency,
		MasterPlaylist:   c.Transcode.Packaging.WithDefaults().MasterPlaylist,
		CleanupOnFailure: c.Storage.CleanupOnFailure,
		Logger:           logger,
	}
}

// InstanceID returns the configured instance id, falling back to the
// hostname.
func (c Config) InstanceID() string {
	if id := strings.TrimSpace(c.Pipeline.InstanceID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// Recovery fails this instance's unfinished jobs at startup, and any job
// untouched for twice the job timeout.
func (c Config) Recovery() jobs.Recovery {
	return jobs.Recovery{Owner: c.InstanceID(), StaleAfter: 2 * c.Pipeline.JobTimeout}
}

func (c Config) Postgres() jobs.PostgresConfig {
	return jobs.PostgresConfig{
		DSN:             c.Jobs.PostgresDSN,
		MaxConns:        c.Jobs.MaxConns,
		MinConns:        c.Jobs.MinConns,
		MaxConnLifetime: c.Jobs.MaxConnLifetime,
		Timeout:         c.Jobs.Timeout,
	}
}

func (c Config) Redis(logger *slog.Logger) events.RedisConfig {
	r := c.Events.Redis
	return events.RedisConfig{
		Addr:        r.Addr,
		Addrs:       r.Addrs,
		Username:    r.Username,
		Password:    r.Password,
		Stream:      r.Stream,
		MaxLen:      r.MaxLen,
		MasterName:  r.MasterName,
		DialTimeout: r.DialTimeout,
		PoolSize:    r.PoolSize,
		TLS: events.RedisTLSConfig{
			CAFile:             r.TLSCA,
			CertFile:           r.TLSCert,
			KeyFile:            r.TLSKey,
			ServerName:         r.TLSServerName,
			InsecureSkipVerify: r.InsecureSkipVerify,
		},
		Logger: logger,
	}
}
