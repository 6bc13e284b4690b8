// Package beams implements the Beam/Target robot game of the Komabasai 2018
// live AI contest.
//
// The attacker owns Beam robots (b0, b1, ...) and the defender owns Target
// robots (t0, t1, ...). Every turn the attacker picks one beam robot and a
// direction: the robot fires a beam that way, destroying every target on its
// path and leaving a trail, and then slides until it hits a wall, a robot or
// the edge. The defender then slides one target robot. Trails block targets
// but not beams. The attacker wins by destroying all targets before the turn
// limit; otherwise the defender wins.
package beams

import (
	"encoding/json"
	"fmt"
	"slices"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/game"
)

const Name = "beams"

const (
	cellEmpty = '.'
	cellWall  = '*'
	cellTrail = 'x'

	// Robot ids are printed as b<id> and t<id> with 0 <= id <= 30.
	maxRobots = 31

	defaultBeams   = 3
	defaultTargets = 2
)

type Game struct{}

var _ game.Game = Game{}

func (Game) Name() string { return Name }

func (Game) Roles() []model.Role {
	return []model.Role{model.RoleAttacker, model.RoleDefender}
}

func (Game) NewBoard(rules model.Rules, seed int64) (game.Board, error) {
	beams, targets := rules.Beams, rules.Targets
	if beams == 0 {
		beams = defaultBeams
	}
	if targets == 0 {
		targets = defaultTargets
	}
	if beams < 0 || targets < 0 || beams > maxRobots || targets > maxRobots {
		return nil, fmt.Errorf("%w: %d beams and %d targets", model.ErrInvalidRules, beams, targets)
	}
	return generate(rules.Width, rules.Height, beams, targets, rules.WallRatio, seed)
}

func (Game) DecodeBoard(state json.RawMessage) (game.Board, error) {
	var s boardState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode beams board: %w", err)
	}
	if s.Width <= 0 || s.Height <= 0 || len(s.Terrain) != s.Height {
		return nil, fmt.Errorf("decode beams board: bad dimensions %dx%d with %d rows", s.Width, s.Height, len(s.Terrain))
	}
	b := &Board{width: s.Width, height: s.Height, beams: s.Beams, targets: s.Targets}
	b.terrain = make([][]byte, s.Height)
	for y, row := range s.Terrain {
		if len(row) != s.Width {
			return nil, fmt.Errorf("decode beams board: row %d has width %d", y, len(row))
		}
		b.terrain[y] = []byte(row)
	}
	for _, r := range slices.Concat(b.beams, b.targets) {
		if !b.inside(r.X, r.Y) {
			return nil, fmt.Errorf("decode beams board: robot %d at (%d, %d) is off the board", r.ID, r.X, r.Y)
		}
	}
	return b, nil
}

// Robot is one robot's id and position; x grows rightwards, y downwards.
type Robot struct {
	ID int `json:"id"`
	X  int `json:"x"`
	Y  int `json:"y"`
}

type boardState struct {
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Terrain []string `json:"terrain"`
	Beams   []Robot  `json:"beams"`
	Targets []Robot  `json:"targets"`
}

// Board keeps the terrain ('.', '*', 'x') apart from the robots standing on
// it, so a trail under a beam robot survives when the robot moves on.
type Board struct {
	width, height int
	terrain       [][]byte
	beams         []Robot
	targets       []Robot
}

var _ game.Board = (*Board)(nil)

func (b *Board) MarshalJSON() ([]byte, error) {
	s := boardState{
		Width:   b.width,
		Height:  b.height,
		Terrain: make([]string, b.height),
		Beams:   b.beams,
		Targets: b.targets,
	}
	for y, row := range b.terrain {
		s.Terrain[y] = string(row)
	}
	if s.Beams == nil {
		s.Beams = []Robot{}
	}
	if s.Targets == nil {
		s.Targets = []Robot{}
	}
	return json.Marshal(s)
}

func (b *Board) Done() bool { return len(b.targets) == 0 }

func (b *Board) Winner() (model.Role, bool) {
	if b.Done() {
		return model.RoleAttacker, true
	}
	return model.RoleDefender, true
}

func (b *Board) Apply(role model.Role, move string) bool {
	id, dir, err := splitMove(move)
	if err != nil {
		return false
	}
	d := directions[dir]

	switch role {
	case model.RoleAttacker:
		i := indexOf(b.beams, id)
		if i < 0 {
			return false
		}
		b.fire(b.beams[i], d)
		b.beams[i] = b.slide(b.beams[i], d, false)
		return true
	case model.RoleDefender:
		i := indexOf(b.targets, id)
		if i < 0 {
			return false
		}
		b.targets[i] = b.slide(b.targets[i], d, true)
		return true
	}
	return false
}

// fire marks the beam path as trail, destroying targets on the way. The beam
// stops at a wall, the edge or another beam robot.
func (b *Board) fire(from Robot, d vec) {
	x, y := from.X+d.dx, from.Y+d.dy
	for b.inside(x, y) && b.terrain[y][x] != cellWall {
		if indexAt(b.beams, x, y) >= 0 {
			return
		}
		if i := indexAt(b.targets, x, y); i >= 0 {
			b.targets = slices.Delete(b.targets, i, i+1)
		}
		b.terrain[y][x] = cellTrail
		x, y = x+d.dx, y+d.dy
	}
}

func (b *Board) slide(r Robot, d vec, trailBlocks bool) Robot {
	for {
		x, y := r.X+d.dx, r.Y+d.dy
		if !b.inside(x, y) || b.terrain[y][x] == cellWall {
			return r
		}
		if trailBlocks && b.terrain[y][x] == cellTrail {
			return r
		}
		if indexAt(b.beams, x, y) >= 0 || indexAt(b.targets, x, y) >= 0 {
			return r
		}
		r.X, r.Y = x, y
	}
}

func (b *Board) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.width && y < b.height
}

// cell renders one square the way programs see it.
func (b *Board) cell(x, y int) string {
	if i := indexAt(b.beams, x, y); i >= 0 {
		return fmt.Sprintf("b%d", b.beams[i].ID)
	}
	if i := indexAt(b.targets, x, y); i >= 0 {
		return fmt.Sprintf("t%d", b.targets[i].ID)
	}
	return string(b.terrain[y][x])
}

func indexOf(robots []Robot, id int) int {
	return slices.IndexFunc(robots, func(r Robot) bool { return r.ID == id })
}

func indexAt(robots []Robot, x, y int) int {
	return slices.IndexFunc(robots, func(r Robot) bool { return r.X == x && r.Y == y })
}

type vec struct{ dx, dy int }

var directions = map[string]vec{
	"u": {0, -1},
	"d": {0, 1},
	"l": {-1, 0},
	"r": {1, 0},
}
