package beams

import (
	"fmt"
	"math/rand/v2"

	"ai_arena/internal/domain/model"
)

const generateAttempts = 32

type point struct{ x, y int }

// generate builds a board from the seed alone. Walls are dropped with
// probability wallRatio and every robot is placed inside the largest open
// region, so all robots can reach each other.
func generate(width, height, beams, targets int, wallRatio float64, seed int64) (*Board, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: board size %dx%d", model.ErrInvalidRules, width, height)
	}
	if beams+targets > width*height {
		return nil, fmt.Errorf("%w: %d robots do not fit on %dx%d", model.ErrInvalidRules, beams+targets, width, height)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(width)<<32|uint64(height)))
	for range generateAttempts {
		terrain := make([][]byte, height)
		for y := range terrain {
			terrain[y] = make([]byte, width)
			for x := range terrain[y] {
				if rng.Float64() < wallRatio {
					terrain[y][x] = cellWall
				} else {
					terrain[y][x] = cellEmpty
				}
			}
		}

		region := largestRegion(terrain)
		if len(region) < beams+targets {
			continue
		}
		rng.Shuffle(len(region), func(i, j int) { region[i], region[j] = region[j], region[i] })

		b := &Board{width: width, height: height, terrain: terrain}
		for i := range beams {
			p := region[i]
			b.beams = append(b.beams, Robot{ID: i, X: p.x, Y: p.y})
		}
		for i := range targets {
			p := region[beams+i]
			b.targets = append(b.targets, Robot{ID: i, X: p.x, Y: p.y})
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: no open region fits %d robots after %d attempts (wall ratio %.2f)",
		model.ErrInvalidRules, beams+targets, generateAttempts, wallRatio)
}

// largestRegion returns the cells of the biggest 4-connected group of open
// squares, in discovery order.
func largestRegion(terrain [][]byte) []point {
	height := len(terrain)
	if height == 0 {
		return nil
	}
	width := len(terrain[0])
	seen := make([][]bool, height)
	for y := range seen {
		seen[y] = make([]bool, width)
	}

	var best []point
	for y := range height {
		for x := range width {
			if seen[y][x] || terrain[y][x] == cellWall {
				continue
			}
			seen[y][x] = true
			region := []point{{x, y}}
			for i := 0; i < len(region); i++ {
				p := region[i]
				for _, d := range []vec{{0, -1}, {-1, 0}, {0, 1}, {1, 0}} {
					nx, ny := p.x+d.dx, p.y+d.dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					if seen[ny][nx] || terrain[ny][nx] == cellWall {
						continue
					}
					seen[ny][nx] = true
					region = append(region, point{nx, ny})
				}
			}
			if len(region) > len(best) {
				best = region
			}
		}
	}
	return best
}
