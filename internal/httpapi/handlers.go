package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/hub"
	"github.com/DoyleJ11/roast-battle-backend/internal/session"
)

type Handler struct {
	hub *hub.Hub
	log *zap.Logger
}

func NewHandler(h *hub.Hub, log *zap.Logger) *Handler {
	return &Handler{hub: h, log: log}
}

type createBattleResponse struct {
	BattleID string `json:"battle_id"`
	JoinCode string `json:"join_code"`
}

type joinRequest struct {
	Role      string `json:"role"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type joinResponse struct {
	BattleID string `json:"battle_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Existing bool   `json:"existing"`
}

type turnRequest struct {
	Content string `json:"content"`
}

type voteRequest struct {
	VotedForID string `json:"voted_for_id"`
	Score      int    `json:"score"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type scoresResponse struct {
	BattleID string         `json:"battle_id"`
	Scores   map[string]int `json:"scores"`
	WinnerID string         `json:"winner_id,omitempty"`
	Tie      bool           `json:"tie,omitempty"`
	Final    bool           `json:"final"`
}

// CreateBattle handles POST /battles
func (h *Handler) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var cfg battle.Config
	if err := parseJSONBody(r, &cfg); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b, err := h.hub.CreateBattle(r.Context(), cfg, UserID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusCreated, createBattleResponse{BattleID: b.ID, JoinCode: b.JoinCode})
}

// GetBattle handles GET /battles/{battleID}
func (h *Handler) GetBattle(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := s.State(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, st)
}

// GetBattleByCode handles GET /battles/code/{code}
func (h *Handler) GetBattleByCode(w http.ResponseWriter, r *http.Request) {
	s, err := h.hub.SessionByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := s.State(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, st)
}

// Join handles POST /battles/{battleID}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := parseJSONBody(r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	role, ok := battle.ParseRole(req.Role)
	if !ok {
		ErrorResponse(w, http.StatusBadRequest, "role must be auto, participant or spectator")
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	m, err := s.Join(r.Context(), UserID(r), battle.Profile{Name: req.Name, AvatarURL: req.AvatarURL}, role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if m.Existing {
		status = http.StatusOK
	}
	JSONResponse(w, status, joinResponse{BattleID: m.BattleID, UserID: m.UserID, Role: string(m.Role), Existing: m.Existing})
}

// ConfirmReady handles POST /battles/{battleID}/ready
func (h *Handler) ConfirmReady(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	err := s.ConfirmReady(r.Context(), UserID(r))
	switch {
	case errors.Is(err, battle.ErrDuplicateConfirmation):
		JSONResponse(w, http.StatusOK, statusResponse{Status: "already_confirmed"})
	case err != nil:
		h.writeError(w, r, err)
	default:
		JSONResponse(w, http.StatusOK, statusResponse{Status: "confirmed"})
	}
}

// SubmitTurn handles POST /battles/{battleID}/turns
func (h *Handler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := parseJSONBody(r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.SubmitTurn(r.Context(), UserID(r), req.Content); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusAccepted, statusResponse{Status: "submitted"})
}

// CastVote handles POST /battles/{battleID}/votes
func (h *Handler) CastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := parseJSONBody(r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.VotedForID == "" {
		ErrorResponse(w, http.StatusBadRequest, "voted_for_id is required")
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.CastVote(r.Context(), UserID(r), req.VotedForID, req.Score); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, statusResponse{Status: "counted"})
}

// Leave handles POST /battles/{battleID}/leave
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Leave(r.Context(), UserID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scores handles GET /battles/{battleID}/scores
func (h *Handler) Scores(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := s.State(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSONResponse(w, http.StatusOK, scoresResponse{
		BattleID: st.BattleID,
		Scores:   st.Scores,
		WinnerID: st.WinnerID,
		Tie:      st.Tie,
		Final:    st.Lifecycle == string(battle.LifecycleCompleted) && !st.VotingOpen,
	})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.hub.Session(r.Context(), chi.URLParam(r, "battleID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}
