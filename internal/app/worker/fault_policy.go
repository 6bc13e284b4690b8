package worker

import "ai_arena/internal/domain/model"

// FaultPolicy decides when repeated program faults end a battle early.
type FaultPolicy interface {
	// Observe records one action, in turn order, and reports whether its
	// participant has now forfeited.
	Observe(a model.Action) bool
}

// NewFaultPolicy builds the policy configured by the contest rules.
func NewFaultPolicy(rules model.Rules) FaultPolicy {
	if rules.MaxConsecutiveFaults <= 0 {
		return noForfeit{}
	}
	return &ConsecutiveFaultPolicy{Limit: rules.MaxConsecutiveFaults}
}

type noForfeit struct{}

func (noForfeit) Observe(model.Action) bool { return false }

// ConsecutiveFaultPolicy forfeits a participant after Limit faulted actions
// in a row. An illegal but well-formed move is not a fault and resets the
// streak.
type ConsecutiveFaultPolicy struct {
	Limit  int
	streak map[model.Role]int
}

func (p *ConsecutiveFaultPolicy) Observe(a model.Action) bool {
	if p.streak == nil {
		p.streak = make(map[model.Role]int)
	}
	if a.Fault == model.FaultNone {
		p.streak[a.Role] = 0
		return false
	}
	p.streak[a.Role]++
	return p.streak[a.Role] >= p.Limit
}
