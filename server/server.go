// Package server exposes the operator console's HTTP API: gallery list,
// save and delete, a models proxy, health, metrics and the static console
// assets. Write endpoints sit behind the local token check and a per-IP
// rate limit; cross-origin access is restricted to loopback origins.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Daviszhou212/LocalLLMGallery/backend"
	"github.com/Daviszhou212/LocalLLMGallery/config"
	"github.com/Daviszhou212/LocalLLMGallery/fetcher"
	"github.com/Daviszhou212/LocalLLMGallery/gallery"
	"github.com/Daviszhou212/LocalLLMGallery/metric"
)

// Server wires the HTTP surface to the store, fetcher and backend client.
type Server struct {
	cfg       config.Config
	store     *gallery.Store
	fetcher   *fetcher.Fetcher
	backend   *backend.Client
	metrics   *metric.Registry
	limiter   *ipLimiter
	logger    *slog.Logger
	startedAt time.Time

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Server) { s.metrics = registry }
}

// WithBackendClient overrides the models-proxy backend client.
func WithBackendClient(client *backend.Client) Option {
	return func(s *Server) { s.backend = client }
}

// WithFetcher overrides the remote image fetcher.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on
// shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a Server over the given store.
func New(cfg config.Config, store *gallery.Store, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		limiter:   newIPLimiter(cfg.RateLimitWindow.Std(), cfg.RateLimitMax),
		startedAt: time.Now(),

		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.fetcher == nil {
		s.fetcher = fetcher.New(fetcher.Limits{
			Timeout:  cfg.FetchTimeout.Std(),
			MaxBytes: cfg.FetchMaxBytes,
		}, fetcher.WithLogger(s.logger))
	}
	if s.backend == nil {
		s.backend = backend.New(
			backend.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout.Std()}),
			backend.WithLogger(s.logger),
		)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(localCORS)
	r.Use(s.observe)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/gallery/list", s.handleGalleryList)

	// Write endpoints: token check first, then the rate limit.
	r.Group(func(r chi.Router) {
		r.Use(s.requireLocalToken)
		r.Use(s.writeRateLimit)
		r.Post("/api/models/fetch", s.handleModelsFetch)
		r.Post("/api/gallery/save", s.handleGallerySave)
		r.Delete("/api/gallery/{id}", s.handleGalleryDelete)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Saved images, then the console assets.
	r.Handle("/gallery/*", http.StripPrefix("/gallery/",
		http.FileServer(http.Dir(s.store.Dir()))))
	if s.cfg.PublicDir != "" {
		if _, err := os.Stat(s.cfg.PublicDir); err == nil {
			fileServer := http.FileServer(http.Dir(s.cfg.PublicDir))
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				http.ServeFile(w, r, filepath.Join(s.cfg.PublicDir, "index.html"))
			})
			r.Handle("/*", fileServer)
		}
	}

	r.NotFound(s.handleNotFound)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("server listening",
			"addr", srv.Addr,
			"public_dir", s.cfg.PublicDir,
			"gallery_dir", s.cfg.GalleryDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
