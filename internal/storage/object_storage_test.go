package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string]memoryObject
	requests []memoryS3Request
	// failures maps a key to the number of 503 responses to return before
	// accepting it.
	failures map[string]int
}

type memoryObject struct {
	Body        []byte
	ContentType string
}

type memoryS3Request struct {
	Method        string
	Key           string
	Authorization string
	ContentSHA    string
	ContentLength int64
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{
		objects:  make(map[string]map[string]memoryObject),
		failures: make(map[string]int),
	}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; !exists {
		m.objects[name] = make(map[string]memoryObject)
	}
}

func (m *memoryS3Server) failNext(key string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = times
}

func (m *memoryS3Server) getObject(bucket, key string) (memoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return memoryObject{}, false
	}
	obj, ok := objs[key]
	return obj, ok
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Key:           key,
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
		ContentLength: r.ContentLength,
	})
	if remaining := m.failures[key]; remaining > 0 {
		m.failures[key] = remaining - 1
		http.Error(w, "slow down", http.StatusServiceUnavailable)
		return
	}
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = memoryObject{Body: append([]byte(nil), body...), ContentType: r.Header.Get("Content-Type")}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		obj, ok := bucketObjects[key]
		if !ok {
			http.Error(w, "no such key", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", obj.ContentType)
		_, _ = w.Write(obj.Body)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseS3Path(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	return bucket, key, nil
}

func newTestS3(t *testing.T, cfg Config) (*S3, *memoryS3Server) {
	t.Helper()
	server := newMemoryS3Server()
	server.addBucket("vod")
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	cfg.Endpoint = strings.TrimPrefix(ts.URL, "http://")
	cfg.Bucket = "vod"
	if cfg.AccessKey == "" {
		cfg.AccessKey = "AKIAEXAMPLE"
		cfg.SecretKey = "secretKeyExample"
	}
	client, err := NewS3(cfg)
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	return client, server
}

func TestS3PutDelete(t *testing.T) {
	client, server := newTestS3(t, Config{
		Prefix:         "vod/assets",
		PublicEndpoint: "https://cdn.example.com/content",
	})

	ctx := context.Background()
	payload := []byte("#EXTM3U\n")
	obj, err := client.Put(ctx, "videos/abc123/master.m3u8", "application/vnd.apple.mpegurl", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	expectedKey := "vod/assets/videos/abc123/master.m3u8"
	if obj.Key != expectedKey {
		t.Fatalf("expected key %s, got %s", expectedKey, obj.Key)
	}
	expectedURL := "https://cdn.example.com/content/" + expectedKey
	if obj.URL != expectedURL {
		t.Fatalf("expected url %s, got %s", expectedURL, obj.URL)
	}
	if obj.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), obj.Size)
	}
	stored, ok := server.getObject("vod", expectedKey)
	if !ok {
		t.Fatalf("expected object %s to be stored", expectedKey)
	}
	if !bytes.Equal(stored.Body, payload) {
		t.Fatalf("stored payload mismatch: got %q", stored.Body)
	}
	if stored.ContentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected stored content type %q", stored.ContentType)
	}
	uploadReq := server.lastRequest()
	if uploadReq.Method != http.MethodPut {
		t.Fatalf("expected PUT request, got %s", uploadReq.Method)
	}
	if !strings.Contains(uploadReq.Authorization, "AKIAEXAMPLE") {
		t.Fatal("expected authorization header to include access key")
	}
	if uploadReq.ContentSHA != hashSHA256Hex(payload) {
		t.Fatalf("unexpected content hash %q", uploadReq.ContentSHA)
	}

	if err := client.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok := server.getObject("vod", expectedKey); ok {
		t.Fatalf("expected object %s to be removed", expectedKey)
	}
	if deleteReq := server.lastRequest(); deleteReq.Method != http.MethodDelete || deleteReq.ContentSHA != emptyPayloadHash {
		t.Fatalf("unexpected delete request %+v", deleteReq)
	}
}

func TestS3URLRoundTrip(t *testing.T) {
	client, server := newTestS3(t, Config{})

	obj, err := client.Put(context.Background(), "videos/abc123/master.m3u8", "application/vnd.apple.mpegurl", strings.NewReader("#EXTM3U\n"))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if obj.URL != client.URL("videos/abc123/master.m3u8") {
		t.Fatalf("put url %s differs from URL() %s", obj.URL, client.URL("videos/abc123/master.m3u8"))
	}
	response, err := http.Get(obj.URL)
	if err != nil {
		t.Fatalf("fetch %s: %v", obj.URL, err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK || string(body) != "#EXTM3U\n" {
		t.Fatalf("unexpected fetch result %d %q", response.StatusCode, body)
	}
	if server.requestCount() != 2 {
		t.Fatalf("expected put and get requests, got %d", server.requestCount())
	}
}

func TestS3URLForms(t *testing.T) {
	aws, err := NewS3(Config{Bucket: "media", Region: "eu-west-1"})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	if got := aws.URL("videos/j1/master.m3u8"); got != "https://media.s3.eu-west-1.amazonaws.com/videos/j1/master.m3u8" {
		t.Fatalf("unexpected virtual-hosted url %s", got)
	}

	custom, err := NewS3(Config{Bucket: "media", Endpoint: "minio.local:9000", UseSSL: true})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	if got := custom.URL("videos/j1/hls_0/segment 000.ts"); got != "https://minio.local:9000/media/videos/j1/hls_0/segment%20000.ts" {
		t.Fatalf("unexpected path-style url %s", got)
	}

	public, err := NewS3(Config{Bucket: "media", PublicEndpoint: "https://cdn.example.com/", Prefix: "/tenant/"})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	if got := public.URL("/videos/j1/master.m3u8"); got != "https://cdn.example.com/tenant/videos/j1/master.m3u8" {
		t.Fatalf("unexpected public url %s", got)
	}
}

func TestS3RetriesTransientFailures(t *testing.T) {
	client, server := newTestS3(t, Config{MaxRetries: 2})
	server.failNext("videos/j1/hls_0/segment_000.ts", 2)

	if _, err := client.Put(context.Background(), "videos/j1/hls_0/segment_000.ts", "video/MP2T", strings.NewReader("ts")); err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if got := server.requestCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

// seekOnly hides io.ReaderAt so Put has to rewind with Seek.
type seekOnly struct {
	io.ReadSeeker
}

func TestS3PutStreamsFileAcrossRetries(t *testing.T) {
	segment := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	path := filepath.Join(t.TempDir(), "segment_000.ts")
	if err := os.WriteFile(path, segment, 0o600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	for name, wrap := range map[string]func(*os.File) io.ReadSeeker{
		"file":      func(f *os.File) io.ReadSeeker { return f },
		"seek only": func(f *os.File) io.ReadSeeker { return seekOnly{f} },
	} {
		t.Run(name, func(t *testing.T) {
			client, server := newTestS3(t, Config{MaxRetries: 2})
			key := "videos/j1/hls_0/segment_000.ts"
			server.failNext(key, 1)

			f, err := os.Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()

			obj, err := client.Put(context.Background(), key, "video/MP2T", wrap(f))
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if obj.Size != int64(len(segment)) {
				t.Fatalf("expected size %d, got %d", len(segment), obj.Size)
			}
			stored, ok := server.getObject("vod", key)
			if !ok || !bytes.Equal(stored.Body, segment) {
				t.Fatalf("stored body differs from the file (ok=%v, %d bytes)", ok, len(stored.Body))
			}
			last := server.lastRequest()
			if last.ContentLength != int64(len(segment)) || last.ContentSHA != hashSHA256Hex(segment) {
				t.Fatalf("unexpected request framing %+v", last)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				t.Fatalf("expected caller's file to stay open: %v", err)
			}
		})
	}
}

func TestS3GivesUpAfterMaxRetries(t *testing.T) {
	client, server := newTestS3(t, Config{MaxRetries: 1})
	server.failNext("videos/j1/master.m3u8", 5)

	_, err := client.Put(context.Background(), "videos/j1/master.m3u8", "application/vnd.apple.mpegurl", strings.NewReader("x"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if got := server.requestCount(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestS3DoesNotRetryClientErrors(t *testing.T) {
	server := newMemoryS3Server()
	ts := httptest.NewServer(server)
	defer ts.Close()
	client, err := NewS3(Config{Bucket: "missing", Endpoint: ts.URL, AccessKey: "a", SecretKey: "b", MaxRetries: 3})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}

	_, err = client.Put(context.Background(), "k", "video/MP2T", strings.NewReader("x"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if server.requestCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", server.requestCount())
	}
}

func TestS3PutHonoursCancellation(t *testing.T) {
	blocked := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(blocked)

	client, err := NewS3(Config{Bucket: "vod", Endpoint: ts.URL})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := client.Put(ctx, "k", "video/MP2T", strings.NewReader("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSignRequestIsDeterministic(t *testing.T) {
	client, err := NewS3(Config{Bucket: "vod", Endpoint: "127.0.0.1:9000", AccessKey: "AKID", SecretKey: "SECRET", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sign := func() string {
		req, _ := http.NewRequest(http.MethodPut, client.objectURL("videos/j/master.m3u8").String(), nil)
		client.signRequest(req, emptyPayloadHash, at)
		return req.Header.Get("Authorization")
	}
	first := sign()
	if first != sign() {
		t.Fatal("expected identical signatures for identical requests")
	}
	if !strings.HasPrefix(first, "AWS4-HMAC-SHA256 Credential=AKID/20240501/us-east-1/s3/aws4_request") {
		t.Fatalf("unexpected authorization %s", first)
	}
	if !strings.Contains(first, "SignedHeaders=host;x-amz-content-sha256;x-amz-date") {
		t.Fatalf("unexpected signed headers in %s", first)
	}
}
