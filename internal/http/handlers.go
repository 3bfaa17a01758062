package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcription-gateway/internal/app"
	"transcription-gateway/internal/models"
	"transcription-gateway/internal/observability/logging"
	"transcription-gateway/internal/service/session"
	"transcription-gateway/internal/service/stream"
	"transcription-gateway/internal/service/stt"
	"transcription-gateway/internal/service/transcript"
)

type handlers struct {
	app      *app.Application
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func newHandlers(application *app.Application) *handlers {
	return &handlers{
		app: application,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logging.WithComponent("http"),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"success": false, "detail": detail})
}

func sessionNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
}

// boolParam reads a boolean query parameter. Only "true" (any case) is true.
func boolParam(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	return strings.ToLower(v) == "true"
}

// digitsParam reads a query parameter made of decimal digits only.
func digitsParam(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// connectOptions builds the connection parameters from the upgrade URL.
func (h *handlers) connectOptions(r *http.Request, sessionID string) stream.Options {
	q := r.URL.Query()
	req := stt.Request{
		Provider:          q.Get("provider"),
		Language:          q.Get("language"),
		EnableDiarization: boolParam(r, "enable_diarization", h.app.Sessions.Defaults().EnableDiarization),
	}
	if hz, ok := digitsParam(r, "sample_rate"); ok {
		req.SampleRateHz = hz
	}
	opts := stream.Options{SessionID: sessionID, Request: req}
	if ch, ok := digitsParam(r, "channel"); ok {
		opts.Channel = ch
	}
	return opts
}

func (h *handlers) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	opts := h.connectOptions(r, sessionID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Websocket upgrade failed")
		return
	}
	if err := h.app.Stream.Serve(r.Context(), conn, opts); err != nil {
		h.log.Debug().Err(err).Str("sessionId", sessionID).Msg("Connection ended with error")
	}
}

type createSessionRequest struct {
	Provider          string `json:"provider"`
	Language          string `json:"language"`
	EnableDiarization *bool  `json:"enable_diarization"`
	SampleRate        int    `json:"sample_rate"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req := stt.Request{
		Provider:          body.Provider,
		Language:          body.Language,
		EnableDiarization: h.app.Sessions.Defaults().EnableDiarization,
		SampleRateHz:      body.SampleRate,
	}
	if body.EnableDiarization != nil {
		req.EnableDiarization = *body.EnableDiarization
	}

	id := uuid.NewString()
	info, err := h.app.Sessions.Create(id, req)
	if err != nil {
		h.log.Error().Err(err).Str("sessionId", id).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "Failed to create session: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"session_id":         id,
		"status":             info.Status,
		"provider":           info.Provider,
		"language":           info.Language,
		"enable_diarization": info.EnableDiarization,
		"sample_rate":        info.SampleRate,
		"websocket_url":      APIPrefix + "/ws/" + id,
	})
}

func (h *handlers) sessionInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	info, err := h.app.Sessions.Info(id)
	if err != nil {
		sessionNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"session_info": info,
	})
}

func (h *handlers) sessionResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	results, err := h.app.Sessions.Results(id, boolParam(r, "include_partial", true))
	if err != nil {
		sessionNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"session_id":    id,
		"results_count": len(results),
		"results":       results,
	})
}

func (h *handlers) sessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	format := r.URL.Query().Get("format_type")
	if format == "" {
		format = transcript.FormatText
	}

	text, err := h.app.Sessions.Transcript(id, format)
	switch {
	case errors.Is(err, transcript.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported format %q", format))
		return
	case err != nil:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found or has no results", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"format":     format,
		"transcript": text,
	})
}

func (h *handlers) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	info, err := h.app.Sessions.Info(id)
	if err != nil {
		sessionNotFound(w, id)
		return
	}
	finals, err := h.app.Sessions.Results(id, false)
	if err != nil {
		sessionNotFound(w, id)
		return
	}
	if finals == nil {
		finals = []models.ResultRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"session_id":       id,
		"status":           info.Status,
		"chunks_processed": info.ChunksProcessed,
		"results":          finals,
	})
}

func (h *handlers) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ended, err := h.app.Sessions.Terminate(context.WithoutCancel(r.Context()), id)
	if errors.Is(err, session.ErrNotFound) {
		sessionNotFound(w, id)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("sessionId", id).Msg("Failed to terminate session")
		writeError(w, http.StatusInternalServerError, "Failed to terminate session: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ended":   ended,
		"message": fmt.Sprintf("Session %s terminated", id),
	})
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ended, err := h.app.Sessions.EndSession(context.WithoutCancel(r.Context()), id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		h.log.Error().Err(err).Str("sessionId", id).Msg("Failed to end session")
		writeError(w, http.StatusInternalServerError, "Failed to end session: "+err.Error())
		return
	}
	if !ended {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": fmt.Sprintf("Session %s is not active", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Session %s ended", id),
	})
}
