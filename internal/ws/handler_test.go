package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
	"github.com/DoyleJ11/roast-battle-backend/internal/clock"
	"github.com/DoyleJ11/roast-battle-backend/internal/hub"
	"github.com/DoyleJ11/roast-battle-backend/internal/membership"
	"github.com/DoyleJ11/roast-battle-backend/internal/metrics"
	"github.com/DoyleJ11/roast-battle-backend/internal/pubsub"
	"github.com/DoyleJ11/roast-battle-backend/internal/readiness"
	"github.com/DoyleJ11/roast-battle-backend/internal/session"
	"github.com/DoyleJ11/roast-battle-backend/internal/store/memory"
	"github.com/DoyleJ11/roast-battle-backend/internal/turns"
	"github.com/DoyleJ11/roast-battle-backend/internal/types"
	"github.com/DoyleJ11/roast-battle-backend/internal/votes"
	pubtypes "github.com/DoyleJ11/roast-battle-backend/pkg/types"
)

type fakeSession struct {
	calls []string
	err   error
}

func (f *fakeSession) ConfirmReady(_ context.Context, userID string) error {
	f.calls = append(f.calls, "ready:"+userID)
	return f.err
}

func (f *fakeSession) SubmitTurn(_ context.Context, userID, content string) error {
	f.calls = append(f.calls, "turn:"+userID+":"+content)
	return f.err
}

func (f *fakeSession) CastVote(_ context.Context, voterID, votedForID string, score int) error {
	f.calls = append(f.calls, "vote:"+voterID+":"+votedForID)
	return f.err
}

func (f *fakeSession) Leave(_ context.Context, userID string) error {
	f.calls = append(f.calls, "leave:"+userID)
	return f.err
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := &fakeSession{}

	require.NoError(t, dispatch(ctx, f, "alice", types.ClientMessage{Type: types.MsgConfirmReady}))
	require.NoError(t, dispatch(ctx, f, "alice", types.ClientMessage{Type: types.MsgSubmitTurn, Content: "zing"}))
	require.NoError(t, dispatch(ctx, f, "carol", types.ClientMessage{Type: types.MsgCastVote, VotedForID: "alice", Score: 9}))
	require.NoError(t, dispatch(ctx, f, "bob", types.ClientMessage{Type: types.MsgLeave}))
	assert.Equal(t, []string{"ready:alice", "turn:alice:zing", "vote:carol:alice", "leave:bob"}, f.calls)

	assert.ErrorIs(t, dispatch(ctx, f, "alice", types.ClientMessage{Type: "Dance"}), errUnknownType)
}

func TestDispatch_DuplicateReadyIsNotAnError(t *testing.T) {
	f := &fakeSession{err: battle.ErrDuplicateConfirmation}
	assert.NoError(t, dispatch(context.Background(), f, "alice", types.ClientMessage{Type: types.MsgConfirmReady}))

	f.err = battle.ErrNotYourTurn
	assert.ErrorIs(t, dispatch(context.Background(), f, "alice", types.ClientMessage{Type: types.MsgSubmitTurn}), battle.ErrNotYourTurn)
}

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	log := zap.NewNop()
	st := memory.New()
	live := pubsub.NewMemory(log)
	members := membership.New(st, pubsub.NewMemory(log), log)
	deps := session.Deps{
		Store:             st,
		Members:           members,
		Gate:              readiness.New(members, st, live, log),
		Turns:             turns.New(members),
		Votes:             votes.New(st, members),
		Clock:             clock.New(),
		Broadcast:         live,
		Metrics:           metrics.New(),
		Log:               log,
		VoteGrace:         time.Minute,
		ReconcileInterval: time.Hour,
	}
	h := hub.NewHub(context.Background(), deps, hub.Options{ReapInterval: time.Hour})
	t.Cleanup(h.Shutdown)
	return h
}

func readEvent(t *testing.T, ctx context.Context, c *websocket.Conn) pubtypes.ServerEvent {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var ev pubtypes.ServerEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHandler_StreamsEventsAndRejectsBadCommands(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := h.CreateBattle(ctx, battle.Config{
		Title: "ws roast", Visibility: battle.VisibilityPublic, RoundCount: 1, SecondsPerTurn: 1000, AllowSpectators: true,
	}, "host")
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(h, zap.NewNop()))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?battle=" + b.ID + "&user=alice"

	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	first := readEvent(t, ctx, c)
	assert.Equal(t, pubtypes.EventState, first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, "waiting", first.State.Lifecycle)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{not json`)))
	ev := readEvent(t, ctx, c)
	assert.Equal(t, pubtypes.EventError, ev.Type)
	assert.Equal(t, "bad json", ev.Message)

	// alice is not seated yet.
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"SubmitTurn","content":"hi"}`)))
	ev = readEvent(t, ctx, c)
	assert.Equal(t, pubtypes.EventError, ev.Type)

	s, err := h.Session(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.Join(ctx, "alice", battle.Profile{Name: "Alice"}, battle.RoleAuto)
	require.NoError(t, err)

	// The join is pushed as a fresh state.
	for {
		ev = readEvent(t, ctx, c)
		if ev.Type == pubtypes.EventState && ev.State != nil && len(ev.State.Participants) == 1 {
			break
		}
	}
	assert.Equal(t, "alice", ev.State.Participants[0].UserID)
}

func TestHandler_UnknownBattle(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(Handler(h, zap.NewNop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?battle=missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
