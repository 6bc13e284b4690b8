package model

import (
	"errors"
	"fmt"
	"time"
)

type ContestType string

const (
	ContestTypeScore  ContestType = "score"
	ContestTypeBattle ContestType = "battle"
)

type Contest struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Type        ContestType       `json:"type" yaml:"type"`
	StartsAt    time.Time         `json:"starts_at" yaml:"start"`
	EndsAt      time.Time         `json:"ends_at" yaml:"end"`
	Description map[string]string `json:"description,omitempty" yaml:"description"` // keyed by locale ("ja", "en")
	Rules       Rules             `json:"rules" yaml:"rules"`
	CreatedAt   time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"-"`
}

// IsOpen reports whether now falls within the contest window.
func (c *Contest) IsOpen(now time.Time) bool {
	return !now.Before(c.StartsAt) && now.Before(c.EndsAt)
}

// Rules are the per-contest game parameters and per-turn limits. Zero limits
// mean "use the scheduler defaults".
type Rules struct {
	Game           string  `json:"game,omitempty" yaml:"game"`
	Width          int     `json:"width,omitempty" yaml:"width"`
	Height         int     `json:"height,omitempty" yaml:"height"`
	TurnLimit      int     `json:"turn_limit,omitempty" yaml:"turn_limit"`
	SubActionLimit int     `json:"sub_action_limit,omitempty" yaml:"sub_action_limit"`
	Beams          int     `json:"beams,omitempty" yaml:"beams"`
	Targets        int     `json:"targets,omitempty" yaml:"targets"`
	WallRatio      float64 `json:"wall_ratio,omitempty" yaml:"wall_ratio"`

	TurnTimeoutMs    int   `json:"turn_timeout_ms,omitempty" yaml:"turn_timeout_ms"`
	CPULimitMs       int   `json:"cpu_limit_ms,omitempty" yaml:"cpu_limit_ms"`
	MemoryLimitBytes int64 `json:"memory_limit_bytes,omitempty" yaml:"memory_limit_bytes"`
	OutputLimitBytes int   `json:"output_limit_bytes,omitempty" yaml:"output_limit_bytes"`

	// MaxConsecutiveFaults ends the battle once one participant faults this
	// many turns in a row. Zero disables the policy.
	MaxConsecutiveFaults int `json:"max_consecutive_faults,omitempty" yaml:"max_consecutive_faults"`
}

var ErrInvalidRules = errors.New("invalid contest rules")

// ValidateForBattle checks the fields every battle game relies on.
func (r Rules) ValidateForBattle() error {
	switch {
	case r.Game == "":
		return fmt.Errorf("%w: game is required", ErrInvalidRules)
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("%w: board size %dx%d", ErrInvalidRules, r.Width, r.Height)
	case r.TurnLimit <= 0:
		return fmt.Errorf("%w: turn limit must be positive", ErrInvalidRules)
	case r.MaxConsecutiveFaults < 0:
		return fmt.Errorf("%w: max consecutive faults must not be negative", ErrInvalidRules)
	case r.WallRatio < 0 || r.WallRatio >= 1:
		return fmt.Errorf("%w: wall ratio %.2f out of range", ErrInvalidRules, r.WallRatio)
	}
	return nil
}
