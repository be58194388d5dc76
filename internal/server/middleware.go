package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/manavaga/web3-signals/internal/storage"
)

// skipTracking lists noisy paths excluded from the usage log.
var skipTracking = map[string]bool{
	"/favicon.ico": true,
	"/metrics":     true,
}

// requestIDMiddleware tags every request with a UUID, echoed back in the
// X-Request-ID header.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", ww.Header().Get("X-Request-ID")).
			Msg("HTTP request")
	})
}

// usageMiddleware records every request in the analytics log and the metrics
// registry. The database write is fire-and-forget so tracking can never slow
// down or break a response.
func (s *Server) usageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		path := r.URL.Path
		if skipTracking[path] {
			return
		}

		if s.metrics != nil {
			endpoint := path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}
			s.metrics.ObserveRequest(endpoint, r.Method, strconv.Itoa(ww.Status()), elapsed)
		}

		req := storage.APIRequest{
			Timestamp:  time.Now().UTC(),
			Endpoint:   path,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			StatusCode: ww.Status(),
			DurationMS: elapsed.Milliseconds(),
			ClientIP:   r.RemoteAddr,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.SaveAPIRequest(ctx, req); err != nil {
				s.log.Debug().Err(err).Msg("Failed to record API request")
			}
		}()
	})
}
