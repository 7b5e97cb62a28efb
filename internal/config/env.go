package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays BITRIVER_VOD_* and the standard AWS_* variables. Empty
// values are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("BITRIVER_VOD_ADDR", &c.Server.Addr)
	e.str("BITRIVER_VOD_TLS_CERT", &c.Server.TLSCert)
	e.str("BITRIVER_VOD_TLS_KEY", &c.Server.TLSKey)
	e.str("BITRIVER_VOD_LOG_LEVEL", &c.Logging.Level)
	e.str("BITRIVER_VOD_LOG_FORMAT", &c.Logging.Format)

	e.str("BITRIVER_VOD_FFMPEG_PATH", &c.Transcode.FFmpegPath)
	e.str("BITRIVER_VOD_WORK_DIR", &c.Pipeline.WorkDir)
	e.duration("BITRIVER_VOD_JOB_TIMEOUT", &c.Pipeline.JobTimeout)
	e.boolean("BITRIVER_VOD_KEEP_OUTPUT", &c.Pipeline.KeepOutput)
	e.integer("BITRIVER_VOD_WORKERS", &c.Pipeline.Workers)
	e.integer("BITRIVER_VOD_QUEUE_SIZE", &c.Pipeline.QueueSize)
	e.str("BITRIVER_VOD_INSTANCE_ID", &c.Pipeline.InstanceID)

	e.str("BITRIVER_VOD_STORAGE_DRIVER", &c.Storage.Driver)
	e.str("BITRIVER_VOD_S3_ENDPOINT", &c.Storage.Endpoint)
	e.str("BITRIVER_VOD_S3_BUCKET", &c.Storage.Bucket)
	e.str("BITRIVER_VOD_S3_PUBLIC_ENDPOINT", &c.Storage.PublicEndpoint)
	e.boolean("BITRIVER_VOD_S3_USE_SSL", &c.Storage.UseSSL)
	e.str("AWS_REGION", &c.Storage.Region)
	e.str("AWS_ACCESS_KEY_ID", &c.Storage.AccessKey)
	e.str("AWS_SECRET_ACCESS_KEY", &c.Storage.SecretKey)
	e.str("BITRIVER_VOD_STORAGE_DIR", &c.Storage.Dir)
	e.str("BITRIVER_VOD_PUBLIC_BASE", &c.Storage.PublicBase)
	e.str("BITRIVER_VOD_NAMESPACE", &c.Storage.Namespace)
	e.integer("BITRIVER_VOD_UPLOAD_CONCURRENCY", &c.Storage.UploadConcurrency)

	e.str("BITRIVER_VOD_JOBS_DRIVER", &c.Jobs.Driver)
	e.str("BITRIVER_VOD_JOBS_DIR", &c.Jobs.Dir)
	e.duration("BITRIVER_VOD_JOBS_RETENTION", &c.Jobs.Retention)
	e.str("BITRIVER_VOD_POSTGRES_DSN", &c.Jobs.PostgresDSN)

	e.str("BITRIVER_VOD_EVENTS_DRIVER", &c.Events.Driver)
	if e.str("BITRIVER_VOD_REDIS_ADDR", &c.Events.Redis.Addr) && !e.set("BITRIVER_VOD_EVENTS_DRIVER") {
		c.Events.Driver = EventsDriverRedis
	}
	e.str("BITRIVER_VOD_REDIS_PASSWORD", &c.Events.Redis.Password)
	e.str("BITRIVER_VOD_REDIS_STREAM", &c.Events.Redis.Stream)

	e.list("BITRIVER_VOD_API_TOKEN_HASHES", &c.API.TokenHashes)
	e.str("BITRIVER_VOD_UPLOAD_DIR", &c.API.UploadDir)
	e.int64("BITRIVER_VOD_MAX_UPLOAD_BYTES", &c.API.MaxUploadBytes)
	e.duration("BITRIVER_VOD_UPLOAD_RETENTION", &c.API.UploadRetention)

	return e.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	raw, ok := e.lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (e *envReader) set(key string) bool {
	_, ok := e.value(key)
	return ok
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (e *envReader) str(key string, dst *string) bool {
	if v, ok := e.value(key); ok {
		*dst = v
		return true
	}
	return false
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.value(key); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.value(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.value(key); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.value(key); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = parsed
	}
}
