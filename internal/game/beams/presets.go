package beams

import (
	"bufio"
	"bytes"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Preset strategies played by the contest's preset submissions. Each one
// receives exactly the input a submitted program would read on stdin.
//
//	random  moves a random own robot in a random direction
//	cat     echoes its input, which never parses as a move
func Presets() map[string]func(input []byte) ([]byte, error) {
	return map[string]func([]byte) ([]byte, error){
		"random": playRandom,
		"cat":    playCat,
	}
}

var errBadInput = errors.New("unreadable board input")

// playRandom is seeded from the input so a given board always gets the same
// reply.
func playRandom(input []byte) ([]byte, error) {
	h := fnv.New64a()
	h.Write(input)
	rng := rand.New(rand.NewPCG(h.Sum64(), 0))

	sc := bufio.NewScanner(bytes.NewReader(input))
	if !sc.Scan() {
		return nil, errBadInput
	}
	if !sc.Scan() {
		return nil, errBadInput
	}
	prefix := "t"
	if strings.TrimSpace(sc.Text()) == "A" {
		prefix = "b"
	}

	var own []int
	for sc.Scan() {
		for _, c := range strings.Fields(sc.Text()) {
			if !strings.HasPrefix(c, prefix) {
				continue
			}
			if id, err := strconv.Atoi(c[len(prefix):]); err == nil {
				own = append(own, id)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	id := 0
	if len(own) > 0 {
		id = own[rng.IntN(len(own))]
	}
	dirs := []string{"u", "l", "d", "r"}
	return []byte(formatMove(id, dirs[rng.IntN(len(dirs))]) + "\n"), nil
}

func playCat(input []byte) ([]byte, error) {
	return bytes.Clone(input), nil
}
