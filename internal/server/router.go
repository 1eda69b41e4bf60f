// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs request details and latency.
func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("latency", time.Since(start)).
				Msg("Request served")
		})
	}
}

func NewRouter(handler *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(handler.log))

	r.HandleFunc("/ask", handler.HandleAsk).Methods(http.MethodPost)
	r.HandleFunc("/documents", handler.HandleDocuments).Methods(http.MethodPost)
	r.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	return r
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, handler *Handler, opts Options) error {
	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      NewRouter(handler),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.log.Info().Str("addr", opts.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
