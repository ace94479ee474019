package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/session"
)

// UserHeader carries the caller's identity. Authentication happens in front of this service.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// RequireUser rejects requests without a user id and stores it on the context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			ErrorResponse(w, http.StatusUnauthorized, UserHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func UserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func JSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func ErrorResponse(w http.ResponseWriter, status int, message string) {
	JSONResponse(w, status, errorBody{Error: http.StatusText(status), Message: message})
}

func parseJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// StatusFor maps domain errors onto HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, battle.ErrBattleNotFound):
		return http.StatusNotFound
	case errors.Is(err, battle.ErrBattleFull),
		errors.Is(err, battle.ErrSpectatingDisabled),
		errors.Is(err, battle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, battle.ErrNotYourTurn),
		errors.Is(err, battle.ErrNotParticipant),
		errors.Is(err, battle.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, battle.ErrInvalidConfig),
		errors.Is(err, battle.ErrInvalidVote),
		errors.Is(err, battle.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, battle.ErrStoreUnavailable),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		msg = "try again"
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	ErrorResponse(w, status, msg)
}
