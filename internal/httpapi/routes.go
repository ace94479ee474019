package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/roast-battle-backend/internal/hub"
	"github.com/DoyleJ11/roast-battle-backend/internal/metrics"
	"github.com/DoyleJ11/roast-battle-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, m *metrics.Metrics, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	api := NewHandler(h, log)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/ws", ws.Handler(h, log))

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(log))
		r.Use(RequireUser)

		r.Post("/battles", api.CreateBattle)
		r.Get("/battles/code/{code}", api.GetBattleByCode)
		r.Route("/battles/{battleID}", func(r chi.Router) {
			r.Get("/", api.GetBattle)
			r.Get("/scores", api.Scores)
			r.Post("/join", api.Join)
			r.Post("/ready", api.ConfirmReady)
			r.Post("/turns", api.SubmitTurn)
			r.Post("/votes", api.CastVote)
			r.Post("/leave", api.Leave)
		})
	})
	return r
}
