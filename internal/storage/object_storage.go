package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const retryBaseDelay = 200 * time.Millisecond

// S3 talks to an S3-compatible endpoint with SigV4 signed requests. Without
// an endpoint it addresses AWS virtual-hosted buckets.
type S3 struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	Key        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s object %s: unexpected status %d", strings.ToLower(e.Method), e.Key, e.StatusCode)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewS3 validates cfg and returns a client.
func NewS3(cfg Config) (*S3, error) {
	cfg = cfg.withDefaults()
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrNotConfigured)
	}
	client := &S3{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     cfg.Logger.With("component", "s3"),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		basePath := ""
		if strings.Contains(endpoint, "://") {
			parsed, err := url.Parse(endpoint)
			if err != nil {
				return nil, fmt.Errorf("parse storage endpoint: %w", err)
			}
			endpoint = parsed.Host
			basePath = parsed.Path
			if parsed.Scheme != "" {
				scheme = parsed.Scheme
			}
		}
		if endpoint == "" {
			return nil, fmt.Errorf("%w: invalid endpoint %q", ErrNotConfigured, cfg.Endpoint)
		}
		client.endpoint = &url.URL{Scheme: scheme, Host: endpoint, Path: strings.TrimRight(basePath, "/")}
	}
	return client, nil
}

// URL returns the public address of key.
func (c *S3) URL(key string) string {
	finalKey := c.applyPrefix(key)
	if base := strings.TrimSpace(c.cfg.PublicEndpoint); base != "" {
		return joinURL(base, finalKey)
	}
	return c.objectURL(finalKey).String()
}

// Put streams body twice: once to compute the SigV4 payload hash and once
// per attempt as the request body. Nothing is buffered in memory.
func (c *S3) Put(ctx context.Context, key, contentType string, body io.ReadSeeker) (Object, error) {
	finalKey := c.applyPrefix(key)
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return Object{}, fmt.Errorf("rewind object %s: %w", finalKey, err)
	}
	digest := sha256.New()
	size, err := io.Copy(digest, body)
	if err != nil {
		return Object{}, fmt.Errorf("hash object %s: %w", finalKey, err)
	}
	payloadHash := hex.EncodeToString(digest.Sum(nil))

	err = c.withRetry(ctx, http.MethodPut, finalKey, func() (*http.Request, error) {
		payload, err := payloadReader(body, size)
		if err != nil {
			return nil, fmt.Errorf("rewind object %s: %w", finalKey, err)
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(finalKey).String(), payload)
		if err != nil {
			return nil, fmt.Errorf("create upload request: %w", err)
		}
		request.ContentLength = size
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}
		c.signRequest(request, payloadHash, time.Now())
		return request, nil
	})
	if err != nil {
		return Object{}, err
	}
	return Object{Key: finalKey, URL: c.URL(finalKey), ContentType: contentType, Size: size}, nil
}

// payloadReader returns a fresh view of body for one attempt. ReaderAt
// bodies get an independent section; the transport may still hold a failed
// attempt's reader. The caller owns body, so the transport must not close it.
func payloadReader(body io.ReadSeeker, size int64) (io.Reader, error) {
	if at, ok := body.(io.ReaderAt); ok {
		return io.NopCloser(io.NewSectionReader(at, 0, size)), nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NopCloser(io.LimitReader(body, size)), nil
}

func (c *S3) Delete(ctx context.Context, key string) error {
	finalKey := c.applyPrefix(key)
	err := c.withRetry(ctx, http.MethodDelete, finalKey, func() (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(finalKey).String(), nil)
		if err != nil {
			return nil, fmt.Errorf("create delete request: %w", err)
		}
		c.signRequest(request, emptyPayloadHash, time.Now())
		return request, nil
	})
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *S3) withRetry(ctx context.Context, method, key string, build func() (*http.Request, error)) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			c.logger.Warn("retrying object request", "method", method, "key", key, "attempt", attempt, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		request, err := build()
		if err != nil {
			return err
		}
		lastErr = c.do(request, method, key)
		if lastErr == nil || !retryable(ctx, lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *S3) do(request *http.Request, method, key string) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s object %s: %w", strings.ToLower(method), key, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &StatusError{Method: method, Key: key, StatusCode: response.StatusCode}
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	// Transport failures.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *S3) applyPrefix(key string) string {
	return applyPrefix(c.cfg.Prefix, key)
}

func (c *S3) objectURL(finalKey string) *url.URL {
	escapedKey := escapeKey(strings.TrimLeft(finalKey, "/"))
	rawKey := strings.TrimLeft(finalKey, "/")
	if c.endpoint == nil {
		return &url.URL{
			Scheme:  "https",
			Host:    fmt.Sprintf("%s.s3.%s.amazonaws.com", c.cfg.Bucket, c.cfg.Region),
			Path:    "/" + rawKey,
			RawPath: "/" + escapedKey,
		}
	}
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	bucket := "/" + strings.Trim(c.cfg.Bucket, "/")
	u := *c.endpoint
	u.Path = basePath + bucket
	u.RawPath = basePath + bucket
	if rawKey != "" {
		u.Path += "/" + rawKey
		u.RawPath += "/" + escapedKey
	}
	return &u
}

func (c *S3) signRequest(req *http.Request, payloadHash string, now time.Time) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	now = now.UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, c.cfg.Region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signature := hmacSHA256Hex(deriveSigningKey(secretKey, dateStamp, c.cfg.Region), stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey,
		scope,
		signedHeaders,
		signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
	}
	return builder.String(), strings.Join(keys, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var pairs []string
	for _, key := range keys {
		sort.Strings(values[key])
		for _, value := range values[key] {
			pairs = append(pairs, uriEncode(key)+"="+uriEncode(value))
		}
	}
	return strings.Join(pairs, "&")
}

// uriEncode applies the SigV4 encoding: everything except unreserved
// characters is percent-encoded.
func uriEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case 'A' <= ch && ch <= 'Z', 'a' <= ch && ch <= 'z', '0' <= ch && ch <= '9',
			ch == '-', ch == '_', ch == '.', ch == '~':
			b.WriteByte(ch)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[ch>>4])
			b.WriteByte(hexDigits[ch&0x0f])
		}
	}
	return b.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, []byte(data)))
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
