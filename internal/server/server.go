package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
)

type Config struct {
	Addr string
	// ReadTimeout and WriteTimeout bound whole requests. Synchronous uploads
	// hold the connection for the full job, so zero means no limit.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Security     SecurityConfig
	Tokens       *auth.Verifier
	// MediaDir, when set, is served read-only under /media/ for the
	// filesystem blob store.
	MediaDir     string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

type Server struct {
	httpServer *http.Server
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/videos", handler.Videos)
	mux.HandleFunc("/v1/jobs/", handler.JobByID)
	if cfg.MediaDir != "" {
		mux.Handle(mediaPrefix, http.StripPrefix(mediaPrefix, mediaHandler(cfg.MediaDir)))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(cfg.Tokens, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:     logger,
		QuietPaths: []string{"/healthz", "/metrics"},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{httpServer: httpServer}, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

const mediaPrefix = "/media/"

// mediaHandler serves published renditions. Directory listings are refused.
func mediaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			api.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			api.WriteError(w, http.StatusNotFound, fmt.Errorf("not found"))
			return
		}
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		} else if strings.HasSuffix(r.URL.Path, ".ts") {
			w.Header().Set("Content-Type", "video/MP2T")
		}
		files.ServeHTTP(w, r)
	})
}

// authMiddleware requires a valid bearer token on every API route once any
// token hash is configured. Health and metrics stay open for probes.
func authMiddleware(tokens *auth.Verifier, next http.Handler) http.Handler {
	if !tokens.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, mediaPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		if err := tokens.Verify(auth.ExtractToken(r)); err != nil {
			if logger := logging.LoggerFromContext(r.Context()); logger != nil {
				logger.Warn("request rejected", "path", r.URL.Path, "reason", err.Error())
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="bitriver-vod"`)
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
