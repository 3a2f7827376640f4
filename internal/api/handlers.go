package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/sessionbox/internal/executor"
	"github.com/itstheanurag/sessionbox/internal/reaper"
	"github.com/itstheanurag/sessionbox/internal/session"
)

const maxBodyBytes = 1 << 20

// ExecutionRequest is the body of POST /run. user_id is accepted as an alias
// of identity.
type ExecutionRequest struct {
	Identity string         `json:"identity"`
	UserID   string         `json:"user_id"`
	Code     string         `json:"code"`
	Data     map[string]any `json:"data"`
}

type Runner interface {
	Run(ctx context.Context, req executor.Request) *executor.Result
	EndSession(ctx context.Context, identity string) (bool, error)
}

type SessionLister interface {
	List() []session.Handle
}

type StateReporter interface {
	State() reaper.State
}

type Handler struct {
	runner   Runner
	sessions SessionLister
	reaper   StateReporter
	logger   *zerolog.Logger
}

func NewHandler(runner Runner, sessions SessionLister, rp StateReporter, logger *zerolog.Logger) *Handler {
	return &Handler{
		runner:   runner,
		sessions: sessions,
		reaper:   rp,
		logger:   logger,
	}
}

func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &executor.Result{
			Error:            "Invalid request body: " + err.Error(),
			WorkspaceListing: []string{},
		})
		return
	}

	identity := req.Identity
	if identity == "" {
		identity = req.UserID
	}

	res := h.runner.Run(r.Context(), executor.Request{
		Identity: identity,
		Code:     req.Code,
		Data:     req.Data,
	})

	h.logger.Info().
		Str("identity", identity).
		Str("status", res.Status).
		Int64("time_ms", res.TimeMs).
		Msg("run finished")

	writeJSON(w, statusCode(res.Status), res)
}

type sessionView struct {
	session.Handle
	IdleSeconds float64 `json:"idle_seconds"`
}

type sessionsBody struct {
	Reaper   string        `json:"reaper"`
	Sessions []sessionView `json:"sessions"`
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	handles := h.sessions.List()
	body := sessionsBody{
		Reaper:   h.reaper.State().String(),
		Sessions: make([]sessionView, 0, len(handles)),
	}
	for _, hd := range handles {
		body.Sessions = append(body.Sessions, sessionView{
			Handle:      hd,
			IdleSeconds: now.Sub(hd.LastActiveAt).Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	ended, err := h.runner.EndSession(r.Context(), identity)
	switch {
	case !ended:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
	case err != nil:
		// the session is gone from the registry either way
		h.logger.Error().Err(err).Str("identity", identity).Msg("failed to destroy ended session")
		writeJSON(w, http.StatusAccepted, errorBody{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorBody struct {
	Error string `json:"error"`
}

func statusCode(status string) int {
	switch status {
	case executor.StatusValidation:
		return http.StatusBadRequest
	case executor.StatusProvisioning, executor.StatusRuntime:
		return http.StatusInternalServerError
	case executor.StatusTimeout:
		return http.StatusGatewayTimeout
	case executor.StatusCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
