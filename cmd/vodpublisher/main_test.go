package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitriver-vod/internal/config"
	"bitriver-vod/internal/events"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/testsupport/fakeffmpeg"
)

func TestApplyFlagsOnlyOverridesGivenFlags(t *testing.T) {
	fs, f, err := parseFlags([]string{"-addr", ":9090", "-workers", "6", "-keep-output"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg := config.Default()
	cfg.Logging.Level = "debug"
	applyFlags(&cfg, fs, f)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr override, got %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.Workers != 6 {
		t.Errorf("expected workers override, got %d", cfg.Pipeline.Workers)
	}
	if !cfg.Pipeline.KeepOutput {
		t.Error("expected keep-output override")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected unset flag to leave log level alone, got %q", cfg.Logging.Level)
	}
	if cfg.Pipeline.JobTimeout != config.Default().Pipeline.JobTimeout {
		t.Errorf("expected unset flag to leave job timeout alone, got %s", cfg.Pipeline.JobTimeout)
	}
}

func TestRunHelpExitsCleanly(t *testing.T) {
	if err := run([]string{"-h"}, io.Discard); err != nil {
		t.Fatalf("expected -h to succeed, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("BITRIVER_VOD_CONFIG", "")
	err := run([]string{"-workers", "0"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "pipeline.workers") {
		t.Fatalf("expected workers validation error, got %v", err)
	}
}

func TestMediaDir(t *testing.T) {
	cfg := config.Default()
	if got := mediaDir(cfg); got != cfg.Storage.Dir {
		t.Fatalf("expected filesystem dir to be served, got %q", got)
	}
	cfg.Storage.ServeLocal = false
	if got := mediaDir(cfg); got != "" {
		t.Fatalf("expected serving disabled, got %q", got)
	}
	cfg.Storage.ServeLocal = true
	cfg.Storage.Driver = "s3"
	if got := mediaDir(cfg); got != "" {
		t.Fatalf("expected nothing served for s3, got %q", got)
	}
}

func TestOpenJobStore(t *testing.T) {
	cfg := config.Default()
	store, err := openJobStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*jobs.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	cfg.Jobs.Driver = config.JobsDriverJSON
	cfg.Jobs.Dir = t.TempDir()
	store, err = openJobStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("json store: %v", err)
	}
	if _, ok := store.(*jobs.JSONStore); !ok {
		t.Fatalf("expected json store, got %T", store)
	}
}

func TestOpenEventSinkDefaultsToNoop(t *testing.T) {
	sink, err := openEventSink(context.Background(), config.Default(), slog.Default())
	if err != nil {
		t.Fatalf("openEventSink: %v", err)
	}
	if _, ok := sink.(events.Noop); !ok {
		t.Fatalf("expected noop sink, got %T", sink)
	}
}

func TestHealthChecksReportMissingFFmpeg(t *testing.T) {
	cfg := config.Default()
	cfg.Transcode.FFmpegPath = filepath.Join(t.TempDir(), "missing-ffmpeg")
	checks := healthChecks(cfg, jobs.NewMemoryStore(), events.Noop{})
	if len(checks) != 1 || checks[0].Component != "ffmpeg" {
		t.Fatalf("expected only the ffmpeg check, got %+v", checks)
	}
	if err := checks[0].Ping(context.Background()); err == nil {
		t.Fatal("expected missing binary to fail the check")
	}
}

func testConfig(t *testing.T, behaviour fakeffmpeg.Behaviour) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Transcode.FFmpegPath = fakeffmpeg.Install(t, behaviour)
	cfg.Pipeline.WorkDir = filepath.Join(root, "work")
	cfg.Pipeline.JobTimeout = 30 * time.Second
	cfg.Pipeline.Workers = 1
	cfg.Storage.Dir = filepath.Join(root, "published")
	cfg.Storage.PublicBase = "http://media.test/media"
	cfg.Jobs.Driver = config.JobsDriverJSON
	cfg.Jobs.Dir = filepath.Join(root, "jobs")
	cfg.API.UploadDir = filepath.Join(root, "uploads")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func TestAppPublishesUploadEndToEnd(t *testing.T) {
	cfg := testConfig(t, fakeffmpeg.Succeed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.start(ctx)
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := a.shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("video", "clip.mp4")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("not really an mp4")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	resp, err := http.Post(srv.URL+"/v1/videos", writer.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Message        string `json:"message"`
		MasterPlaylist string `json:"masterPlaylist"`
		JobID          string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantURL := "http://media.test/media/videos/" + result.JobID + "/master.m3u8"
	if result.MasterPlaylist != wantURL {
		t.Fatalf("expected master playlist %s, got %s", wantURL, result.MasterPlaylist)
	}

	media, err := http.Get(srv.URL + strings.TrimPrefix(result.MasterPlaylist, "http://media.test"))
	if err != nil {
		t.Fatalf("fetch master: %v", err)
	}
	defer media.Body.Close()
	if media.StatusCode != http.StatusOK {
		t.Fatalf("expected published master to be served, got %d", media.StatusCode)
	}
	if ct := media.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", ct)
	}

	job, err := http.Get(srv.URL + "/v1/jobs/" + result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer job.Body.Close()
	var record struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(job.Body).Decode(&record); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if record.State != string(jobs.StateSucceeded) {
		t.Fatalf("expected succeeded job record, got %q", record.State)
	}
}
