package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"ai_arena/internal/api/middleware"
	"ai_arena/internal/app/service"
	"ai_arena/internal/common"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type ContestHandler struct {
	battleService *service.BattleService
	logger        *zerolog.Logger
}

func NewContestHandler(bs *service.BattleService, logger *zerolog.Logger) *ContestHandler {
	return &ContestHandler{battleService: bs, logger: logger}
}

func (h *ContestHandler) RegisterRoutes(r chi.Router) {
	r.Use(chiMiddleware.Timeout(requestTimeout))
	r.Get("/", h.listContests)                    // GET /api/v1/contests
	r.Get("/{contestID}/battles", h.listBattles) // GET /api/v1/contests/komabasai2018-ai/battles

	r.Group(func(adminRouter chi.Router) {
		adminRouter.Use(middleware.Authenticator)
		adminRouter.Use(middleware.AdminOnly)
		adminRouter.Post("/{contestID}/battles", h.enqueueBattle)
	})
}

func (h *ContestHandler) listContests(w http.ResponseWriter, r *http.Request) {
	contests, err := h.battleService.ListContests(r.Context())
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, contests)
}

func (h *ContestHandler) listBattles(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	battles, err := h.battleService.ListBattles(r.Context(), chi.URLParam(r, "contestID"), limit, offset)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, battles)
}

func (h *ContestHandler) enqueueBattle(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	battle, err := h.battleService.EnqueueBattle(r.Context(), chi.URLParam(r, "contestID"), req)
	if err != nil {
		common.RespondWithDomainError(w, err)
		return
	}
	subject, _ := middleware.GetSubjectFromContext(r.Context())
	h.logger.Info().Str("battle_id", battle.ID).Str("operator", subject).Msg("battle enqueued over http")
	common.RespondWithJSON(w, http.StatusAccepted, battle) // runs asynchronously
}
