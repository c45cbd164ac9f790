package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-asr/internal/session"
)

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.HandleFunc("/recording/start", r.handleRecordingStart)
	mux.HandleFunc("/recording/stop", r.handleRecordingStop)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.controller.Status())
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if !r.store.Enabled() {
		r.writeError(w, http.StatusNotFound, errors.New("event store is ephemeral"))
		return
	}
	if id := req.URL.Query().Get("id"); id != "" {
		entries, err := r.store.ListEntries(req.Context(), id, queryInt(req, "limit", 200))
		if err != nil {
			r.writeError(w, http.StatusInternalServerError, err)
			return
		}
		r.writeJSON(w, http.StatusOK, entries)
		return
	}
	sessions, err := r.store.ListSessions(req.Context(), queryInt(req, "limit", 50))
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleRecordingStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		r.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	id, err := r.controller.Start(req.Context())
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		r.writeError(w, http.StatusConflict, err)
	case err != nil:
		r.writeError(w, http.StatusBadGateway, err)
	default:
		r.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
	}
}

func (r *Runtime) handleRecordingStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		r.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	summary, err := r.controller.Stop(req.Context())
	switch {
	case errors.Is(err, session.ErrNotRecording):
		r.writeError(w, http.StatusConflict, err)
	case err != nil:
		r.writeError(w, http.StatusInternalServerError, err)
	default:
		r.writeJSON(w, http.StatusOK, summary)
	}
}

func (r *Runtime) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("write response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, code int, err error) {
	r.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(req *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
