package model

import (
	"bytes"
	"encoding/json"
	"time"
)

type FaultKind string

const (
	FaultNone             FaultKind = ""
	FaultTimeout          FaultKind = "Timeout"
	FaultResourceExceeded FaultKind = "ResourceExceeded"
	FaultNonZeroExit      FaultKind = "NonZeroExit"
	FaultMalformedOutput  FaultKind = "MalformedOutput"
)

// Action is what one participant did in a turn. Move holds the raw move text
// so the turn can be replayed; a faulted or illegal move is recorded with
// Applied false and leaves the board untouched.
type Action struct {
	Role         Role      `json:"role"`
	SubmissionID string    `json:"submission_id"`
	Move         string    `json:"move,omitempty"`
	Applied      bool      `json:"applied"`
	Fault        FaultKind `json:"fault,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

type Turn struct {
	BattleID  string          `json:"battle_id"`
	Index     int             `json:"index"`
	State     json.RawMessage `json:"state"`
	Actions   []Action        `json:"actions"`
	CreatedAt time.Time       `json:"created_at"`
}

// SameRecord reports whether two turns carry the same index, state and
// actions. CreatedAt is ignored so a replayed append is recognized.
func (t *Turn) SameRecord(other *Turn) bool {
	if t.BattleID != other.BattleID || t.Index != other.Index || len(t.Actions) != len(other.Actions) {
		return false
	}
	for i := range t.Actions {
		if t.Actions[i] != other.Actions[i] {
			return false
		}
	}
	return EqualJSON(t.State, other.State)
}

// EqualJSON compares two JSON documents ignoring insignificant whitespace.
func EqualJSON(a, b json.RawMessage) bool {
	return bytes.Equal(compactJSON(a), compactJSON(b))
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
