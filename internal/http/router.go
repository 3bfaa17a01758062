package http

import (
	"crypto/subtle"
	"net/http"

	"transcription-gateway/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIPrefix is the mount point of the streaming API.
const APIPrefix = "/api/v1/stream"

// APIKeyHeader carries the management API key.
const APIKeyHeader = "X-API-Key"

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()
	h := newHandlers(application)

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route(APIPrefix, func(r chi.Router) {
		r.Get("/ws/{sessionID}", h.serveWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey(application.Cfg.Service.APIKey))

			r.Post("/sessions", h.createSession)
			r.Get("/sessions/{sessionID}", h.sessionInfo)
			r.Get("/sessions/{sessionID}/results", h.sessionResults)
			r.Get("/sessions/{sessionID}/transcript", h.sessionTranscript)
			r.Delete("/sessions/{sessionID}", h.terminateSession)
			r.Get("/status/{sessionID}", h.sessionStatus)
			r.Post("/end_session/{sessionID}", h.endSession)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return r
}

// requireAPIKey rejects requests without the configured key. An empty key
// disables the check.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
