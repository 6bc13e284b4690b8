package beams

import (
	"encoding/json"
	"errors"
	"testing"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/game"
)

func decode(t *testing.T, state string) *Board {
	t.Helper()
	b, err := Game{}.DecodeBoard(json.RawMessage(state))
	if err != nil {
		t.Fatalf("DecodeBoard: %v", err)
	}
	return b.(*Board)
}

func marshal(t *testing.T, b game.Board) string {
	t.Helper()
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal board: %v", err)
	}
	return string(raw)
}

func TestBeamDestroysTargetAndLeavesTrail(t *testing.T) {
	b := decode(t, `{"width":5,"height":1,"terrain":["....."],
		"beams":[{"id":0,"x":0,"y":0}],"targets":[{"id":0,"x":3,"y":0}]}`)

	if !b.Apply(model.RoleAttacker, "0 r") {
		t.Fatal("legal move rejected")
	}
	if got := string(b.terrain[0]); got != ".xxxx" {
		t.Errorf("terrain = %q, want .xxxx", got)
	}
	if b.beams[0].X != 4 {
		t.Errorf("beam slid to x=%d, want 4", b.beams[0].X)
	}
	if !b.Done() {
		t.Error("board should be done once all targets are destroyed")
	}
	if w, ok := b.Winner(); !ok || w != model.RoleAttacker {
		t.Errorf("Winner = %s, %v", w, ok)
	}
}

func TestBeamStopsAtWallAndBeamRobot(t *testing.T) {
	b := decode(t, `{"width":6,"height":1,"terrain":["...*.."],
		"beams":[{"id":0,"x":0,"y":0}],"targets":[{"id":0,"x":5,"y":0}]}`)
	b.Apply(model.RoleAttacker, "0 r")
	if got := string(b.terrain[0]); got != ".xx*.." {
		t.Errorf("wall case terrain = %q", got)
	}
	if b.beams[0].X != 2 || len(b.targets) != 1 {
		t.Errorf("beam at %d, %d targets left", b.beams[0].X, len(b.targets))
	}

	b = decode(t, `{"width":5,"height":1,"terrain":["....."],
		"beams":[{"id":0,"x":0,"y":0},{"id":1,"x":2,"y":0}],"targets":[{"id":0,"x":4,"y":0}]}`)
	b.Apply(model.RoleAttacker, "0 r")
	if got := string(b.terrain[0]); got != ".x..." {
		t.Errorf("robot case terrain = %q", got)
	}
	if b.beams[0].X != 1 || len(b.targets) != 1 {
		t.Errorf("beam at %d, %d targets left", b.beams[0].X, len(b.targets))
	}
	if w, _ := b.Winner(); w != model.RoleDefender {
		t.Errorf("Winner with targets alive = %s", w)
	}
}

func TestTrailBlocksTargetsOnly(t *testing.T) {
	b := decode(t, `{"width":5,"height":2,"terrain":["..x..","....."],
		"beams":[{"id":0,"x":0,"y":1}],"targets":[{"id":0,"x":4,"y":0}]}`)

	b.Apply(model.RoleDefender, "0 l")
	if b.targets[0].X != 3 {
		t.Errorf("target slid to x=%d, want 3", b.targets[0].X)
	}

	b = decode(t, `{"width":4,"height":1,"terrain":["xx.."],
		"beams":[{"id":0,"x":3,"y":0}],"targets":[]}`)
	b.Apply(model.RoleAttacker, "0 l")
	if b.beams[0].X != 0 {
		t.Errorf("beam slid to x=%d over trail, want 0", b.beams[0].X)
	}
}

func TestIllegalMovesAreNoOps(t *testing.T) {
	const state = `{"width":3,"height":3,"terrain":["...",".*.","..."],
		"beams":[{"id":0,"x":0,"y":0}],"targets":[{"id":1,"x":2,"y":2}]}`
	tests := []struct {
		name string
		role model.Role
		move string
	}{
		{"unknown beam", model.RoleAttacker, "5 r"},
		{"defender moves beam", model.RoleDefender, "0 r"},
		{"attacker moves target", model.RoleAttacker, "1 u"},
		{"garbage", model.RoleAttacker, "zero right"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := decode(t, state)
			before := marshal(t, b)
			if b.Apply(tt.role, tt.move) {
				t.Error("illegal move reported as applied")
			}
			if after := marshal(t, b); after != before {
				t.Errorf("board changed:\n%s\n%s", before, after)
			}
		})
	}
}

func TestInput(t *testing.T) {
	b := decode(t, `{"width":3,"height":2,"terrain":[".*.","x.."],
		"beams":[{"id":0,"x":0,"y":0}],"targets":[{"id":1,"x":2,"y":1}]}`)

	want := "3 2\nA\nb0 * .\nx . t1\n"
	if got := string(b.Input(model.RoleAttacker)); got != want {
		t.Errorf("attacker input = %q, want %q", got, want)
	}
	if got := string(b.Input(model.RoleDefender)); got[4] != 'D' {
		t.Errorf("defender input = %q", got)
	}
}

func TestParseMove(t *testing.T) {
	b := decode(t, `{"width":1,"height":1,"terrain":["."],"beams":[],"targets":[]}`)
	tests := []struct {
		role   model.Role
		output string
		want   string
	}{
		{model.RoleAttacker, "0 r\n", "0 r"},
		{model.RoleAttacker, "  12   u  ", "12 u"},
		{model.RoleAttacker, "b2 d\n", "2 d"},
		{model.RoleDefender, "t3 l", "3 l"},
		{model.RoleAttacker, "t3 l", ""},
		{model.RoleAttacker, "", ""},
		{model.RoleAttacker, "0", ""},
		{model.RoleAttacker, "0 r extra", ""},
		{model.RoleAttacker, "1 q", ""},
		{model.RoleAttacker, "31 u", ""},
		{model.RoleAttacker, "-1 u", ""},
	}
	for _, tt := range tests {
		got, err := b.ParseMove(tt.role, []byte(tt.output))
		if tt.want == "" {
			if !errors.Is(err, game.ErrMalformedMove) {
				t.Errorf("ParseMove(%q) = %q, %v; want ErrMalformedMove", tt.output, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMove(%q) = %q, %v; want %q", tt.output, got, err, tt.want)
		}
	}
}

func TestNewBoardDeterministic(t *testing.T) {
	rules := model.Rules{Game: Name, Width: 10, Height: 10, TurnLimit: 300, Beams: 3, Targets: 2, WallRatio: 0.2}

	a, err := Game{}.NewBoard(rules, 7)
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	b, _ := Game{}.NewBoard(rules, 7)
	if marshal(t, a) != marshal(t, b) {
		t.Error("same seed produced different boards")
	}
	c, _ := Game{}.NewBoard(rules, 8)
	if marshal(t, a) == marshal(t, c) {
		t.Error("different seeds produced the same board")
	}

	board := a.(*Board)
	if len(board.beams) != 3 || len(board.targets) != 2 {
		t.Fatalf("got %d beams and %d targets", len(board.beams), len(board.targets))
	}
	region := largestRegion(board.terrain)
	inRegion := make(map[point]bool, len(region))
	for _, p := range region {
		inRegion[p] = true
	}
	seen := make(map[point]bool)
	for _, r := range append(board.beams, board.targets...) {
		p := point{r.X, r.Y}
		if !inRegion[p] {
			t.Errorf("robot %d at %v outside the largest region", r.ID, p)
		}
		if seen[p] {
			t.Errorf("two robots share %v", p)
		}
		seen[p] = true
	}
}

func TestNewBoardRejectsImpossibleRules(t *testing.T) {
	_, err := Game{}.NewBoard(model.Rules{Width: 2, Height: 2, Beams: 3, Targets: 2}, 1)
	if !errors.Is(err, model.ErrInvalidRules) {
		t.Errorf("err = %v, want ErrInvalidRules", err)
	}
}

func TestPresets(t *testing.T) {
	rules := model.Rules{Width: 10, Height: 10, Beams: 3, Targets: 2, WallRatio: 0.1}
	board, err := Game{}.NewBoard(rules, 3)
	if err != nil {
		t.Fatal(err)
	}
	presets := Presets()

	input := board.Input(model.RoleAttacker)
	out, err := presets["random"](input)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	move, err := board.ParseMove(model.RoleAttacker, out)
	if err != nil {
		t.Fatalf("random produced %q: %v", out, err)
	}
	if !board.Apply(model.RoleAttacker, move) {
		t.Errorf("random picked a robot it does not own: %q", move)
	}
	again, _ := presets["random"](input)
	if string(again) != string(out) {
		t.Errorf("random is not stable for one input: %q vs %q", out, again)
	}

	echoed, _ := presets["cat"](input)
	if _, err := board.ParseMove(model.RoleDefender, echoed); !errors.Is(err, game.ErrMalformedMove) {
		t.Errorf("cat output parsed as a move: %v", err)
	}
}

// Replaying the recorded moves from the initial board must land on the same
// final board.
func TestReplayReproducesBoard(t *testing.T) {
	g := Game{}
	rules := model.Rules{Width: 12, Height: 12, Beams: 4, Targets: 3, WallRatio: 0.15}
	initial, err := g.NewBoard(rules, 2018)
	if err != nil {
		t.Fatal(err)
	}
	initialState := marshal(t, initial)
	random := Presets()["random"]

	type played struct {
		role model.Role
		move string
	}
	var log []played
	live := initial
	for turn := 0; turn < 60 && !live.Done(); turn++ {
		for _, role := range g.Roles() {
			if live.Done() {
				break
			}
			out, _ := random(live.Input(role))
			move, err := live.ParseMove(role, out)
			if err != nil {
				t.Fatalf("turn %d: %v", turn, err)
			}
			live.Apply(role, move)
			log = append(log, played{role, move})
		}
	}

	replay, err := g.DecodeBoard(json.RawMessage(initialState))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range log {
		replay.Apply(p.role, p.move)
	}
	if marshal(t, replay) != marshal(t, live) {
		t.Error("replayed board diverged from the live board")
	}
}

func TestRegistry(t *testing.T) {
	r := game.NewRegistry(Game{})
	if g, err := r.Lookup(Name); err != nil || g.Name() != Name {
		t.Errorf("Lookup(%q) = %v, %v", Name, g, err)
	}
	if _, err := r.Lookup("go-fish"); !errors.Is(err, game.ErrUnknownGame) {
		t.Errorf("unknown game err = %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != Name {
		t.Errorf("Names = %v", names)
	}
}
