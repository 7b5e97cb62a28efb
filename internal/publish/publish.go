// Package publish uploads a discovered rendition set to a blob store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bitriver-vod/internal/artifacts"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/storage"
)

const (
	DefaultNamespace   = "videos"
	DefaultConcurrency = 8

	cleanupTimeout = 30 * time.Second
)

var (
	ErrNoArtifacts    = errors.New("no artifacts to publish")
	ErrMasterMissing  = errors.New("master playlist missing from artifact set")
	ErrInvalidJobID   = errors.New("job id is not a valid key segment")
	ErrInvalidRelPath = errors.New("artifact path escapes the job namespace")
)

// Config tunes a Publisher.
type Config struct {
	Namespace        string
	Concurrency      int
	MasterPlaylist   string
	CleanupOnFailure bool
	Logger           *slog.Logger
}

// Result lists what was uploaded.
type Result struct {
	MasterURL string
	Objects   []storage.Object
}

// Bytes sums the uploaded object sizes.
func (r Result) Bytes() int64 {
	var total int64
	for _, obj := range r.Objects {
		total += obj.Size
	}
	return total
}

// PublishError reports a failed publish. Key names the first object that
// failed; Uploaded counts objects stored before the failure.
type PublishError struct {
	JobID     string
	Key       string
	Err       error
	Uploaded  int
	CleanedUp bool
}

func (e *PublishError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "publish job %s", e.JobID)
	if e.Key != "" {
		fmt.Fprintf(&b, ": upload %s", e.Key)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.Uploaded > 0 {
		fmt.Fprintf(&b, " (%d objects uploaded", e.Uploaded)
		if e.CleanedUp {
			b.WriteString(", removed")
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher stores artifacts under <namespace>/<jobID>/<relPath>.
type Publisher struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
}

// New returns a Publisher writing to store.
func New(store storage.Store, cfg Config) *Publisher {
	if strings.Trim(cfg.Namespace, "/ ") == "" {
		cfg.Namespace = DefaultNamespace
	}
	cfg.Namespace = strings.Trim(cfg.Namespace, "/ ")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MasterPlaylist == "" {
		cfg.MasterPlaylist = ladder.DefaultMasterPlaylist
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{store: store, cfg: cfg, logger: cfg.Logger.With("component", "publisher")}
}

// Key returns the storage key for an artifact of jobID.
func (p *Publisher) Key(jobID, relPath string) string {
	return path.Join(p.cfg.Namespace, jobID, relPath)
}

// MasterURL returns where the master playlist of jobID is, or will be,
// reachable.
func (p *Publisher) MasterURL(jobID string) string {
	return p.store.URL(p.Key(jobID, p.cfg.MasterPlaylist))
}

// Publish uploads every artifact. Segments go first, then variant playlists,
// then the master playlist, so the master never references a missing object.
// On failure nothing is reported as published and, when configured, every
// object uploaded by this call is deleted again.
func (p *Publisher) Publish(ctx context.Context, jobID string, list []artifacts.Artifact) (Result, error) {
	phases, err := p.phases(jobID, list)
	if err != nil {
		return Result{}, &PublishError{JobID: jobID, Err: err}
	}
	start := time.Now()
	var (
		mu       sync.Mutex
		uploaded []storage.Object
	)
	record := func(obj storage.Object) {
		mu.Lock()
		uploaded = append(uploaded, obj)
		mu.Unlock()
	}

	for _, phase := range phases {
		failedKey, err := p.uploadPhase(ctx, jobID, phase, record)
		if err == nil {
			continue
		}
		pubErr := &PublishError{JobID: jobID, Key: failedKey, Err: err, Uploaded: len(uploaded)}
		p.logger.Error("publish failed", "job_id", jobID, "key", failedKey, "uploaded", len(uploaded), "error", err)
		if p.cfg.CleanupOnFailure && len(uploaded) > 0 {
			pubErr.CleanedUp = p.cleanup(ctx, jobID, uploaded)
		}
		return Result{}, pubErr
	}

	result := Result{MasterURL: p.MasterURL(jobID), Objects: uploaded}
	p.logger.Info("published rendition set",
		"job_id", jobID,
		"objects", len(uploaded),
		"bytes", result.Bytes(),
		"duration", time.Since(start),
		"master_url", result.MasterURL,
	)
	return result, nil
}

func (p *Publisher) phases(jobID string, list []artifacts.Artifact) ([][]artifacts.Artifact, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, ErrInvalidJobID
	}
	if len(list) == 0 {
		return nil, ErrNoArtifacts
	}
	var segments, playlists, master []artifacts.Artifact
	for _, a := range list {
		clean := path.Clean(a.RelPath)
		if clean != a.RelPath || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRelPath, a.RelPath)
		}
		switch {
		case a.RelPath == p.cfg.MasterPlaylist:
			master = append(master, a)
		case a.Kind == artifacts.KindPlaylist:
			playlists = append(playlists, a)
		default:
			segments = append(segments, a)
		}
	}
	if len(master) == 0 {
		return nil, ErrMasterMissing
	}
	return [][]artifacts.Artifact{segments, playlists, master}, nil
}

func (p *Publisher) uploadPhase(ctx context.Context, jobID string, phase []artifacts.Artifact, record func(storage.Object)) (string, error) {
	if len(phase) == 0 {
		return "", nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var (
		failMu    sync.Mutex
		failedKey string
	)
	for _, a := range phase {
		if gctx.Err() != nil {
			break
		}
		a := a
		key := p.Key(jobID, a.RelPath)
		g.Go(func() error {
			obj, err := p.put(gctx, key, a)
			if err != nil {
				failMu.Lock()
				if failedKey == "" {
					failedKey = key
				}
				failMu.Unlock()
				return err
			}
			record(obj)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
	}
	return failedKey, err
}

func (p *Publisher) put(ctx context.Context, key string, a artifacts.Artifact) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return storage.Object{}, err
	}
	file, err := os.Open(a.Path)
	if err != nil {
		return storage.Object{}, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()
	obj, err := p.store.Put(ctx, key, a.ContentType, file)
	if err != nil {
		return storage.Object{}, err
	}
	p.logger.Debug("uploaded object", "key", obj.Key, "size", obj.Size, "content_type", a.ContentType)
	return obj, nil
}

// cleanup deletes uploaded objects with a context detached from the job so
// that a cancelled job still removes what it wrote.
func (p *Publisher) cleanup(ctx context.Context, jobID string, uploaded []storage.Object) bool {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(cleanupCtx)
	g.SetLimit(p.cfg.Concurrency)
	var (
		mu     sync.Mutex
		failed int
	)
	for _, obj := range uploaded {
		key := obj.Key
		g.Go(func() error {
			if err := p.store.Delete(gctx, key); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				p.logger.Warn("cleanup delete failed", "job_id", jobID, "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed > 0 {
		p.logger.Warn("published objects left behind", "job_id", jobID, "remaining", failed)
		return false
	}
	p.logger.Info("removed partially published objects", "job_id", jobID, "count", len(uploaded))
	return true
}
