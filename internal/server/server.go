// Package server wires the HTTP surface: embed pages for crawlers,
// redirects for humans, media/grid endpoints, and the JSON APIs.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gramfix/gramfix/internal/health"
)

// Routes builds the router. metricsHandler is mounted at /metrics when the
// metrics server shares the main listener; pass nil when it has its own.
func (s *Server) Routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log, s.upstream))
	r.Use(Logging(s.log))
	r.Use(chimw.StripSlashes)

	r.Get("/", s.handleHome)
	r.Get("/healthz", health.Liveness())
	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	r.Get("/p/{id}", s.handleEmbed)
	r.Get("/p/{id}/{n}", s.handleEmbed)
	r.Get("/tv/{id}", s.handleEmbed)
	r.Get("/reel/{id}", s.handleEmbed)
	r.Get("/reels/{id}", s.handleEmbed)
	r.Get("/stories/{user}/{id}", s.handleEmbed)
	r.Get("/share/{id}", s.handleEmbed)
	r.Get("/share/p/{id}", s.handleEmbed)
	r.Get("/share/p/{id}/{n}", s.handleEmbed)
	r.Get("/share/reel/{id}", s.handleEmbed)
	r.Get("/share/reel/{id}/{n}", s.handleEmbed)
	r.Get("/{user}/p/{id}", s.handleEmbed)
	r.Get("/{user}/p/{id}/{n}", s.handleEmbed)
	r.Get("/{user}/reel/{id}", s.handleEmbed)

	r.Get("/images/{id}/{k}", s.handleImage)
	r.Get("/videos/{id}/{k}", s.handleVideo)
	r.Get("/grid/{id}", s.handleGrid)

	r.Get("/oembed", s.handleOEmbed)
	r.Get("/api/v1/statuses/{id}", s.handleStatus)
	r.Get("/api/p/{id}", s.handleAPIPost)

	return r
}

// Run serves handler on addr until ctx is done, then drains.
func Run(ctx context.Context, addr string, s *Server, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
