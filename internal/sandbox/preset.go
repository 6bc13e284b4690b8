package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ai_arena/internal/domain/model"
)

var ErrUnknownPreset = errors.New("unknown preset")

// Strategy is a built-in player. It sees the same input a submitted program
// would read on stdin and returns what it would print.
type Strategy func(input []byte) ([]byte, error)

// PresetBackend plays preset submissions in-process. Wall-clock and output
// limits still apply.
type PresetBackend struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewPresetBackend() *PresetBackend {
	return &PresetBackend{strategies: make(map[string]Strategy)}
}

func (p *PresetBackend) Register(name string, s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies[name] = s
}

func (p *PresetBackend) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.strategies))
	for name := range p.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *PresetBackend) Prepare(name string) (Program, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return &presetProgram{name: name, play: s}, nil
}

type presetProgram struct {
	name string
	play Strategy
}

func (p *presetProgram) Close() error { return nil }

func (p *presetProgram) Run(ctx context.Context, input []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.play(input)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, newFault(model.FaultNonZeroExit, "preset %s: %v", p.name, r.err)
		}
		if len(r.out) > limits.OutputBytes {
			return nil, newFault(model.FaultResourceExceeded, "output exceeds %d bytes", limits.OutputBytes)
		}
		return r.out, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newFault(model.FaultTimeout, "no answer within %s", limits.WallClock)
	}
}
