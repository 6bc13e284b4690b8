package beams

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/game"
)

// Input renders the per-turn program input:
//
//	W H
//	A            (or D for the defender)
//	c11 c12 ... c1W
//	...
//	cH1 cH2 ... cHW
func (b *Board) Input(role model.Role) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n%s\n", b.width, b.height, roleLetter(role))
	for y := range b.height {
		for x := range b.width {
			if x > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(b.cell(x, y))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseMove accepts "r d" where r is the robot id and d one of u, l, d, r.
// The id may carry the robot prefix, as in "b2 u".
func (b *Board) ParseMove(role model.Role, output []byte) (string, error) {
	fields := strings.Fields(string(output))
	if len(fields) != 2 {
		return "", fmt.Errorf("%w: want \"id direction\", got %d fields", game.ErrMalformedMove, len(fields))
	}
	raw := strings.TrimPrefix(fields[0], robotPrefix(role))
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 || id >= maxRobots {
		return "", fmt.Errorf("%w: bad robot id %q", game.ErrMalformedMove, fields[0])
	}
	if _, ok := directions[fields[1]]; !ok {
		return "", fmt.Errorf("%w: bad direction %q", game.ErrMalformedMove, fields[1])
	}
	return formatMove(id, fields[1]), nil
}

func formatMove(id int, dir string) string {
	return strconv.Itoa(id) + " " + dir
}

func splitMove(move string) (int, string, error) {
	idStr, dir, ok := strings.Cut(move, " ")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", game.ErrMalformedMove, move)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", game.ErrMalformedMove, move)
	}
	if _, ok := directions[dir]; !ok {
		return 0, "", fmt.Errorf("%w: %q", game.ErrMalformedMove, move)
	}
	return id, dir, nil
}

func roleLetter(role model.Role) string {
	if role == model.RoleAttacker {
		return "A"
	}
	return "D"
}

func robotPrefix(role model.Role) string {
	if role == model.RoleAttacker {
		return "b"
	}
	return "t"
}
