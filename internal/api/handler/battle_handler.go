package handler

import (
	"net/http"
	"strconv"
	"time"

	"ai_arena/internal/api/middleware"
	"ai_arena/internal/app/service"
	"ai_arena/internal/common"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const requestTimeout = 60 * time.Second

type BattleHandler struct {
	battleService *service.BattleService
	logger        *zerolog.Logger
	livePoll      time.Duration // how often live streams check for the battle's end
}

func NewBattleHandler(bs *service.BattleService, logger *zerolog.Logger) *BattleHandler {
	return &BattleHandler{battleService: bs, logger: logger}
}

func (h *BattleHandler) RegisterRoutes(r chi.Router) {
	// Long-lived; kept out of the request timeout.
	r.Get("/{battleID}/live", h.live)

	r.Group(func(rest chi.Router) {
		rest.Use(chiMiddleware.Timeout(requestTimeout))
		rest.Get("/{battleID}", h.getBattle)
		rest.Get("/{battleID}/turns", h.readTurns) // ?from=0&to=100, to exclusive

		rest.Group(func(adminRouter chi.Router) {
			adminRouter.Use(middleware.Authenticator)
			adminRouter.Use(middleware.AdminOnly)
			adminRouter.Post("/{battleID}/cancel", h.cancelBattle)
		})
	})
}

func (h *BattleHandler) getBattle(w http.ResponseWriter, r *http.Request) {
	battle, err := h.battleService.GetBattle(r.Context(), chi.URLParam(r, "battleID"))
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, battle)
}

func (h *BattleHandler) readTurns(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from", 0)
	if err != nil {
		common.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := intParam(r, "to", -1)
	if err != nil {
		common.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	turns, err := h.battleService.ReadTurns(r.Context(), chi.URLParam(r, "battleID"), from, to)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, turns)
}

func (h *BattleHandler) cancelBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	if err := h.battleService.CancelBattle(r.Context(), battleID); err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	subject, _ := middleware.GetSubjectFromContext(r.Context())
	h.logger.Info().Str("battle_id", battleID).Str("operator", subject).Msg("battle cancel requested over http")
	common.RespondWithJSON(w, http.StatusAccepted, map[string]string{"battle_id": battleID, "status": "cancel_requested"})
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.Errorf("invalid %s %q: %w", name, raw, common.ErrBadRequest)
	}
	return v, nil
}
