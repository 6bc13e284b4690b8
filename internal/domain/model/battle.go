package model

import (
	"encoding/json"
	"time"
)

type BattleStatus string

const (
	BattleQueued    BattleStatus = "queued"
	BattleClaimed   BattleStatus = "claimed"
	BattleRunning   BattleStatus = "running"
	BattleCompleted BattleStatus = "completed"
	BattleFailed    BattleStatus = "failed"
)

// Terminal reports whether no further turns may be appended.
func (s BattleStatus) Terminal() bool {
	return s == BattleCompleted || s == BattleFailed
}

var battleStatuses = []BattleStatus{BattleQueued, BattleClaimed, BattleRunning, BattleCompleted, BattleFailed}

// CanTransition encodes the battle state machine. The only backward edge,
// claimed or running back to queued, belongs to the scheduler's stale-claim
// reclaim, which takes it a bounded number of times per battle. A runner that
// stops early keeps its claim and leaves the battle to that reclaim.
func CanTransition(from, to BattleStatus) bool {
	switch from {
	case BattleQueued:
		return to == BattleClaimed
	case BattleClaimed:
		return to == BattleRunning || to == BattleQueued || to == BattleFailed
	case BattleRunning:
		return to == BattleCompleted || to == BattleFailed || to == BattleQueued
	}
	return false
}

// SourcesOf lists the statuses from which a battle may move to to. Status
// writes use it as their guard.
func SourcesOf(to BattleStatus) []BattleStatus {
	var from []BattleStatus
	for _, s := range battleStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

type Role string

const (
	RoleAttacker Role = "attacker"
	RoleDefender Role = "defender"
)

const (
	EndReasonEliminated = "eliminated"
	EndReasonTurnLimit  = "turn_limit"
	EndReasonForfeit    = "forfeit"

	FailureCancelled = "Cancelled"
	FailureAbandoned = "Abandoned"
)

type Participant struct {
	Position     int    `json:"position"`
	Role         Role   `json:"role"`
	SubmissionID string `json:"submission_id"`
}

type Battle struct {
	ID                 string          `json:"id"`
	ContestID          string          `json:"contest_id"`
	Participants       []Participant   `json:"participants"`
	Status             BattleStatus    `json:"status"`
	Seed               int64           `json:"seed"`
	InitialState       json.RawMessage `json:"initial_state"`
	CurrentTurn        int             `json:"current_turn"`
	WinnerSubmissionID *string         `json:"winner_submission_id,omitempty"`
	EndReason          *string         `json:"end_reason,omitempty"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	ClaimToken         *string         `json:"-"`
	ClaimedBy          *string         `json:"claimed_by,omitempty"`
	ReclaimCount       int             `json:"reclaim_count"`
	CancelRequested    bool            `json:"cancel_requested"`
	CreatedAt          time.Time       `json:"created_at"`
	ClaimedAt          *time.Time      `json:"claimed_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	LastTurnAt         *time.Time      `json:"last_turn_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Participant returns the participant playing role, if any.
func (b *Battle) Participant(role Role) (Participant, bool) {
	for _, p := range b.Participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

// BattleJob is the scheduling view of a battle row.
type BattleJob struct {
	BattleID   string       `json:"battle_id"`
	Status     BattleStatus `json:"status"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	LastTurnAt *time.Time   `json:"last_turn_at,omitempty"`
}

// Claim is the exclusive execution grant returned by a successful claim.
type Claim struct {
	BattleID string
	Token    string
}
