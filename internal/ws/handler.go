package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/hub"
	"github.com/DoyleJ11/roast-battle-backend/internal/types"
	pubtypes "github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

const (
	outboxSize   = 32
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
)

var errUnknownType = errors.New("unknown message type")

// Handler serves GET /ws?battle=<id>&user=<id>. The connection receives every event of the
// battle and may send ClientMessages on behalf of user.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		battleID := r.URL.Query().Get("battle")
		if battleID == "" {
			http.Error(w, "missing battle", http.StatusBadRequest)
			return
		}
		userID := r.URL.Query().Get("user")
		if userID == "" {
			userID = r.Header.Get("X-User-ID")
		}

		s, err := h.Session(r.Context(), battleID)
		if errors.Is(err, battle.ErrBattleNotFound) {
			http.Error(w, "battle not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		log := log.With(zap.String("battle_id", battleID), zap.String("client_id", clientID), zap.String("user_id", userID))

		out := make(chan pubtypes.ServerEvent, outboxSize)
		if err := s.Watch(r.Context(), clientID, out); err != nil {
			conn.Close(websocket.StatusTryAgainLater, "battle unavailable")
			return
		}
		defer s.Unwatch(clientID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
					err := conn.Ping(pctx)
					pcancel()
					if err != nil {
						cancel()
						return
					}
				case ev, ok := <-out:
					if !ok {
						// Dropped by the session for falling behind, or the session stopped.
						conn.Close(websocket.StatusTryAgainLater, "reconnect")
						cancel()
						return
					}
					if err := write(ctx, conn, ev); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusGoingAway && userID != "" {
					lctx, lcancel := context.WithTimeout(context.Background(), writeTimeout)
					if err := s.Leave(lctx, userID); err != nil && !errors.Is(err, battle.ErrNotMember) {
						log.Warn("leave on disconnect failed", zap.Error(err))
					}
					lcancel()
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(ctx, conn, errorEvent(battleID, "bad json"))
				continue
			}
			if userID == "" {
				_ = write(ctx, conn, errorEvent(battleID, "user is required to send commands"))
				continue
			}
			if err := dispatch(ctx, s, userID, cm); err != nil {
				_ = write(ctx, conn, errorEvent(battleID, err.Error()))
			}
		}
	}
}

type commander interface {
	ConfirmReady(ctx context.Context, userID string) error
	SubmitTurn(ctx context.Context, userID, content string) error
	CastVote(ctx context.Context, voterID, votedForID string, score int) error
	Leave(ctx context.Context, userID string) error
}

func dispatch(ctx context.Context, s commander, userID string, m types.ClientMessage) error {
	switch m.Type {
	case types.MsgConfirmReady:
		err := s.ConfirmReady(ctx, userID)
		if errors.Is(err, battle.ErrDuplicateConfirmation) {
			return nil
		}
		return err
	case types.MsgSubmitTurn:
		return s.SubmitTurn(ctx, userID, m.Content)
	case types.MsgCastVote:
		return s.CastVote(ctx, userID, m.VotedForID, m.Score)
	case types.MsgLeave:
		return s.Leave(ctx, userID)
	default:
		return errUnknownType
	}
}

func errorEvent(battleID, msg string) pubtypes.ServerEvent {
	return pubtypes.ServerEvent{Type: pubtypes.EventError, BattleID: battleID, Error: "command rejected", Message: msg}
}

func write(ctx context.Context, conn *websocket.Conn, ev pubtypes.ServerEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
