package handler

import (
	"context"
	"net/http"
	"time"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultStatusPoll = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// liveMessage is one frame on the live socket. Type is "turn" or, once the
// battle is over and every turn was sent, "end".
type liveMessage struct {
	Type   string        `json:"type"`
	Turn   *model.Turn   `json:"turn,omitempty"`
	Battle *model.Battle `json:"battle,omitempty"`
}

// live streams a battle's turns over a websocket: stored turns from ?from=
// first, then live ones, each index exactly once and in order.
func (h *BattleHandler) live(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	from, err := intParam(r, "from", 0)
	if err != nil || from < 0 {
		common.RespondWithError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if _, err := h.battleService.GetBattle(r.Context(), battleID); err != nil {
		common.RespondWithDomainError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the log so no turn falls between the two.
	sub, err := h.battleService.Subscribe(ctx, battleID)
	if err != nil {
		h.logger.Error().Err(err).Str("battle_id", battleID).Msg("live subscribe failed")
		common.RespondWithError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("battle_id", battleID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.logger.With().Str("battle_id", battleID).Str("remote", r.RemoteAddr).Logger()
	s := &liveStream{h: h, conn: conn, battleID: battleID, next: from, log: &log}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		// Viewers send nothing; reading only serves control frames and
		// notices the disconnect.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := s.backfill(ctx, -1); err != nil {
		s.abort(ctx, err)
		return
	}
	if over, err := s.endIfOver(ctx); over || err != nil {
		if err != nil {
			s.abort(ctx, err)
		}
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	poll := time.NewTicker(h.statusPoll())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					log.Info().Int("next", s.next).Msg("live viewer fell behind, closing")
					s.close(websocket.CloseTryAgainLater, "viewer too slow, reconnect from the next turn")
				}
				return
			}
			if turn.Index < s.next {
				continue
			}
			if err := s.backfill(ctx, turn.Index); err != nil {
				s.abort(ctx, err)
				return
			}
			if err := s.sendTurn(turn); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-poll.C:
			if over, err := s.endIfOver(ctx); over || err != nil {
				if err != nil {
					s.abort(ctx, err)
				}
				return
			}
		}
	}
}

func (h *BattleHandler) statusPoll() time.Duration {
	if h.livePoll > 0 {
		return h.livePoll
	}
	return defaultStatusPoll
}

// liveStream is owned by the handler goroutine, the only writer on conn.
type liveStream struct {
	h        *BattleHandler
	conn     *websocket.Conn
	battleID string
	next     int
	log      *zerolog.Logger
}

// backfill sends stored turns from next up to, not including, to. A negative
// to sends everything stored.
func (s *liveStream) backfill(ctx context.Context, to int) error {
	if to >= 0 && to <= s.next {
		return nil
	}
	for turn, err := range s.h.battleService.StreamTurns(ctx, s.battleID, s.next, to) {
		if err != nil {
			return err
		}
		if turn.Index != s.next {
			continue
		}
		if err := s.sendTurn(turn); err != nil {
			return err
		}
	}
	return nil
}

func (s *liveStream) sendTurn(turn model.Turn) error {
	if err := s.send(liveMessage{Type: "turn", Turn: &turn}); err != nil {
		return err
	}
	s.next = turn.Index + 1
	return nil
}

// endIfOver finishes the stream once the battle is terminal.
func (s *liveStream) endIfOver(ctx context.Context) (bool, error) {
	battle, err := s.h.battleService.GetBattle(ctx, s.battleID)
	if err != nil {
		return false, err
	}
	if !battle.Status.Terminal() {
		return false, nil
	}
	// Turns are committed before the final status, so the log is complete.
	if err := s.backfill(ctx, -1); err != nil {
		return false, err
	}
	if err := s.send(liveMessage{Type: "end", Battle: battle}); err != nil {
		return true, nil
	}
	s.close(websocket.CloseNormalClosure, string(battle.Status))
	return true, nil
}

func (s *liveStream) send(msg liveMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *liveStream) close(code int, text string) {
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (s *liveStream) abort(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.Warn().Err(err).Int("next", s.next).Msg("live stream aborted")
	s.close(websocket.CloseInternalServerErr, "turn store unavailable")
}
