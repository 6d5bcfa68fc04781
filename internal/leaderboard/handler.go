package leaderboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/investquest/portfolio-engine/internal/apperr"
)

// CallerHeader carries the authenticated user ID set by the gateway.
const CallerHeader = "X-User-ID"

// Handler serves the challenge HTTP API.
type Handler struct {
	svc *Service
}

// NewHandler creates the challenge HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/challenges", h.CreateChallenge)
	r.Route("/challenges/{challengeID}", func(r chi.Router) {
		r.Get("/", h.GetChallenge)
		r.Post("/join", h.JoinChallenge)
		r.Post("/leaderboard", h.Rank)
		r.Post("/snapshots", h.Snapshot)
		r.Get("/history", h.History)
		r.Post("/complete", h.Complete)
	})
}

// CreateChallengeRequest is the JSON body for POST /challenges.
type CreateChallengeRequest struct {
	Title     string    `json:"title"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// JoinRequest is the JSON body for POST /challenges/{id}/join.
type JoinRequest struct {
	Username    string `json:"username"`
	PortfolioID string `json:"portfolio_id"`
}

// CreateChallenge handles POST /api/v1/challenges
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	c, err := h.svc.CreateChallenge(r.Context(), req.Title, req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetChallenge handles GET /api/v1/challenges/{challengeID}
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// JoinChallenge handles POST /api/v1/challenges/{challengeID}/join
func (h *Handler) JoinChallenge(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	p, err := h.svc.JoinChallenge(r.Context(),
		chi.URLParam(r, "challengeID"),
		r.Header.Get(CallerHeader),
		req.Username,
		req.PortfolioID,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Rank handles POST /api/v1/challenges/{challengeID}/leaderboard
func (h *Handler) Rank(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.RankChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Snapshot handles POST /api/v1/challenges/{challengeID}/snapshots
// An empty leaderboard records nothing and returns 204.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.SnapshotChallengeLeaderboard(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// History handles GET /api/v1/challenges/{challengeID}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.History(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// Complete handles POST /api/v1/challenges/{challengeID}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CompleteChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	if apperr.Retryable(err) {
		body["retryable"] = true
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
