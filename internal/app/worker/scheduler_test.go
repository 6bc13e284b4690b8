package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/config"
	"ai_arena/internal/platform/logging"
)

// holdingRunner records claims and keeps each battle "running" until
// released.
type holdingRunner struct {
	mu      sync.Mutex
	claims  []model.Claim
	release chan struct{}
}

func newHoldingRunner() *holdingRunner {
	return &holdingRunner{release: make(chan struct{})}
}

func (r *holdingRunner) Run(ctx context.Context, claim model.Claim) error {
	r.mu.Lock()
	r.claims = append(r.claims, claim)
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *holdingRunner) Claims() []model.Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Claim(nil), r.claims...)
}

func schedulerOptions() config.SchedulerOptions {
	return config.SchedulerOptions{
		PollInterval:         time.Hour,
		MaxConcurrentBattles: 2,
		TurnTimeout:          time.Second,
		StaleAfter:           time.Minute,
	}
}

func (f *fixture) queue(t *testing.T, id string, createdAt time.Time) {
	t.Helper()
	if err := f.battles.CreateBattle(context.Background(), nil, &model.Battle{
		ID:           id,
		ContestID:    contestID,
		Status:       model.BattleQueued,
		InitialState: []byte(openBoard),
		CreatedAt:    createdAt,
		Participants: []model.Participant{
			{Position: 0, Role: model.RoleAttacker, SubmissionID: attackerID},
			{Position: 1, Role: model.RoleDefender, SubmissionID: defenderID},
		},
	}); err != nil {
		t.Fatalf("CreateBattle(%s): %v", id, err)
	}
}

func TestRacingSchedulersClaimOnce(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.queue(t, "b1", t0)

	runner := newHoldingRunner()
	defer close(runner.release)
	a := NewScheduler("sched-a", f.battles, runner, schedulerOptions(), logging.Nop())
	b := NewScheduler("sched-b", f.battles, runner, schedulerOptions(), logging.Nop())

	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		started [2]int
	)
	for i, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started[i] = s.Tick(ctx)
		}()
	}
	wg.Wait()

	if total := started[0] + started[1]; total != 1 {
		t.Fatalf("schedulers started %d battles, want exactly 1", total)
	}
	battle := f.battle(t, "b1")
	if battle.Status != model.BattleClaimed || battle.ClaimedBy == nil {
		t.Fatalf("battle = %s claimed by %v", battle.Status, battle.ClaimedBy)
	}
	winner := a
	if started[1] == 1 {
		winner = b
	}
	if *battle.ClaimedBy != winner.ID() {
		t.Errorf("claimed by %s, want %s", *battle.ClaimedBy, winner.ID())
	}
}

func TestSchedulerRespectsCapacity(t *testing.T) {
	f := newFixture(t, defaultRules())
	for i, id := range []string{"b1", "b2", "b3"} {
		f.queue(t, id, t0.Add(time.Duration(i)*time.Minute))
	}
	runner := newHoldingRunner()
	s := NewScheduler("sched", f.battles, runner, schedulerOptions(), logging.Nop())
	ctx := context.Background()

	if n := s.Tick(ctx); n != 2 {
		t.Fatalf("first tick started %d, want 2", n)
	}
	if n := s.Tick(ctx); n != 0 {
		t.Fatalf("tick at capacity started %d, want 0", n)
	}
	if got := f.battle(t, "b3").Status; got != model.BattleQueued {
		t.Errorf("b3 = %s, want still queued", got)
	}
	claims := runner.Claims()
	for len(claims) < 2 {
		time.Sleep(5 * time.Millisecond)
		claims = runner.Claims()
	}

	close(runner.release)
	s.Wait()
	if s.Active() != 0 {
		t.Errorf("Active = %d after runners returned", s.Active())
	}
	seen := map[string]bool{}
	for _, c := range claims {
		seen[c.BattleID] = true
	}
	if !seen["b1"] || !seen["b2"] {
		t.Errorf("claimed %v, want the two oldest battles", claims)
	}
}

func TestSchedulerReclaimsStaleBattle(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.queue(t, "b1", t0)
	dead := model.Claim{BattleID: "b1", Token: "dead-token"}
	if ok, err := f.battles.Claim(context.Background(), dead, "crashed", t0); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}

	runner := newHoldingRunner()
	defer close(runner.release)
	s := NewScheduler("sched", f.battles, runner, schedulerOptions(), logging.Nop())
	s.now = func() time.Time { return t0.Add(10 * time.Minute) }

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("tick started %d, want the reclaimed battle", n)
	}
	b := f.battle(t, "b1")
	if b.ReclaimCount != 1 || b.Status != model.BattleClaimed {
		t.Errorf("battle = %s with %d reclaims, want claimed after 1 reclaim", b.Status, b.ReclaimCount)
	}
	if b.ClaimedBy == nil || *b.ClaimedBy != "sched" {
		t.Errorf("claimed by %v, want sched", b.ClaimedBy)
	}
}

func TestSchedulerStopsOnContextEnd(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.queue(t, "b1", t0)
	runner := newHoldingRunner()
	s := NewScheduler("sched", f.battles, runner, schedulerOptions(), logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	for len(runner.Claims()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after Start returned", s.Active())
	}
}

func TestConsecutiveFaultPolicy(t *testing.T) {
	p := NewFaultPolicy(model.Rules{MaxConsecutiveFaults: 2})
	fault := func(role model.Role) model.Action {
		return model.Action{Role: role, Fault: model.FaultTimeout}
	}
	steps := []struct {
		action model.Action
		want   bool
	}{
		{fault(model.RoleAttacker), false},
		{fault(model.RoleDefender), false},
		{model.Action{Role: model.RoleAttacker, Move: "9 u"}, false},
		{fault(model.RoleAttacker), false},
		{fault(model.RoleDefender), true},
	}
	for i, s := range steps {
		if got := p.Observe(s.action); got != s.want {
			t.Errorf("step %d: Observe = %v, want %v", i, got, s.want)
		}
	}

	if NewFaultPolicy(model.Rules{}).Observe(fault(model.RoleAttacker)) {
		t.Error("disabled policy forfeited")
	}
}
