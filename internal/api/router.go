package api

import (
	"context"
	"net/http"
	"time"

	"ai_arena/internal/api/handler"
	"ai_arena/internal/api/middleware"
	"ai_arena/internal/app/service"
	"ai_arena/internal/platform/database"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func NewRouter(
	battleService *service.BattleService,
	tokenAuth *jwtauth.JWTAuth,
	db *database.DB,
	logger *zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)

	// Verifies a bearer token when one is sent; routes that need one add
	// middleware.Authenticator.
	r.Use(jwtauth.Verifier(tokenAuth))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(v1 chi.Router) {
		contestHandler := handler.NewContestHandler(battleService, logger)
		v1.Route("/contests", contestHandler.RegisterRoutes)

		battleHandler := handler.NewBattleHandler(battleService, logger)
		v1.Route("/battles", battleHandler.RegisterRoutes)
	})

	return r
}
