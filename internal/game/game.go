// Package game holds the contest simulations a battle can be played under.
// A contest picks its game with rules.game.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ai_arena/internal/domain/model"
)

var (
	ErrUnknownGame = errors.New("unknown game")
	// ErrMalformedMove is returned by ParseMove when program output is not a
	// move under the game's text protocol.
	ErrMalformedMove = errors.New("malformed move")
)

// Game creates and restores boards for one contest type.
type Game interface {
	Name() string
	// Roles lists the acting roles in the order they move within a turn.
	Roles() []model.Role
	// NewBoard generates the initial board. The same rules and seed always
	// produce the same board.
	NewBoard(rules model.Rules, seed int64) (Board, error)
	DecodeBoard(state json.RawMessage) (Board, error)
}

// Board is the mutable state of one battle.
type Board interface {
	json.Marshaler

	// Input renders the board in the text protocol fed to role's program.
	Input(role model.Role) []byte
	// ParseMove turns program output into a normalized move, or returns an
	// error wrapping ErrMalformedMove.
	ParseMove(role model.Role, output []byte) (string, error)
	// Apply plays a parsed move. Illegal moves leave the board unchanged and
	// report false.
	Apply(role model.Role, move string) bool
	// Done reports whether the game ended before the turn limit.
	Done() bool
	// Winner decides the battle once it ends, either by Done or by the turn
	// limit. ok is false for a draw.
	Winner() (role model.Role, ok bool)
}

// Registry maps rules.game names to games.
type Registry struct {
	mu    sync.RWMutex
	games map[string]Game
}

func NewRegistry(games ...Game) *Registry {
	r := &Registry{games: make(map[string]Game)}
	for _, g := range games {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.Name()] = g
}

func (r *Registry) Lookup(name string) (Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.games[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.games))
	for name := range r.games {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
