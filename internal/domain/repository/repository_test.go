package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/database"
	"ai_arena/internal/platform/database/dbtest"
)

var t0 = time.Date(2018, 11, 23, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db          *database.DB
	contests    ContestRepository
	submissions SubmissionRepository
	battles     BattleRepository
	turns       TurnRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{
		db:          db,
		contests:    NewContestRepository(db),
		submissions: NewSubmissionRepository(db),
		battles:     NewBattleRepository(db),
		turns:       NewTurnRepository(db),
	}
	ctx := context.Background()

	contest := &model.Contest{
		ID:       "komabasai2018-ai",
		Name:     "Komabasai AI",
		Type:     model.ContestTypeBattle,
		StartsAt: t0,
		EndsAt:   t0.Add(72 * time.Hour),
		Rules:    model.Rules{Game: "beams", Width: 5, Height: 5, TurnLimit: 10},
	}
	if err := f.contests.UpsertContest(ctx, nil, contest); err != nil {
		t.Fatalf("UpsertContest: %v", err)
	}
	for _, name := range []string{"random", "cat"} {
		if _, err := f.submissions.UpsertPreset(ctx, nil, &model.Submission{
			ID: "preset-" + name, ContestID: contest.ID, Name: name, CreatedAt: t0,
		}); err != nil {
			t.Fatalf("UpsertPreset(%s): %v", name, err)
		}
	}
	return f
}

func (f *fixture) newBattle(t *testing.T, id string, createdAt time.Time) *model.Battle {
	t.Helper()
	b := &model.Battle{
		ID:           id,
		ContestID:    "komabasai2018-ai",
		Status:       model.BattleQueued,
		Seed:         42,
		InitialState: json.RawMessage(`{"board":"....."}`),
		CreatedAt:    createdAt,
		Participants: []model.Participant{
			{Position: 0, Role: model.RoleAttacker, SubmissionID: "preset-random"},
			{Position: 1, Role: model.RoleDefender, SubmissionID: "preset-cat"},
		},
	}
	if err := f.battles.CreateBattle(context.Background(), nil, b); err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	return b
}

func (f *fixture) claim(t *testing.T, id, token string, now time.Time) model.Claim {
	t.Helper()
	c := model.Claim{BattleID: id, Token: token}
	ok, err := f.battles.Claim(context.Background(), c, "worker-test", now)
	if err != nil || !ok {
		t.Fatalf("Claim(%s) = %v, %v", id, ok, err)
	}
	if err := f.battles.MarkRunning(context.Background(), c, now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	return c
}

func turnAt(battleID string, idx int) *model.Turn {
	return &model.Turn{
		BattleID: battleID,
		Index:    idx,
		State:    json.RawMessage(fmt.Sprintf(`{"turn":%d}`, idx)),
		Actions: []model.Action{
			{Role: model.RoleAttacker, SubmissionID: "preset-random", Move: "b0 u", Applied: true},
			{Role: model.RoleDefender, SubmissionID: "preset-cat", Move: "t0 l", Applied: true},
		},
		CreatedAt: t0.Add(time.Duration(idx) * time.Second),
	}
}

func TestGetBattleLoadsParticipants(t *testing.T) {
	f := newFixture(t)
	f.newBattle(t, "b1", t0)

	got, err := f.battles.GetBattleByID(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetBattleByID: %v", err)
	}
	if got.Status != model.BattleQueued || got.Seed != 42 || !got.CreatedAt.Equal(t0) {
		t.Errorf("unexpected battle %+v", got)
	}
	if len(got.Participants) != 2 || got.Participants[1].Role != model.RoleDefender {
		t.Errorf("participants = %+v", got.Participants)
	}

	if _, err := f.battles.GetBattleByID(context.Background(), "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("missing battle err = %v, want ErrNotFound", err)
	}
}

func TestListQueuedOldestFirst(t *testing.T) {
	f := newFixture(t)
	f.newBattle(t, "late", t0.Add(2*time.Minute))
	f.newBattle(t, "early", t0)
	f.newBattle(t, "mid", t0.Add(time.Minute))
	f.claim(t, "mid", "tok", t0)

	jobs, err := f.battles.ListQueued(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListQueued: %v", err)
	}
	if len(jobs) != 2 || jobs[0].BattleID != "early" || jobs[1].BattleID != "late" {
		t.Errorf("ListQueued = %+v, want [early late]", jobs)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.newBattle(t, "b1", t0)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := fmt.Sprintf("tok-%d", i)
			ok, err := f.battles.Claim(context.Background(), model.Claim{BattleID: "b1", Token: token}, "w", t0)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins = append(wins, token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("%d claims won, want exactly 1", len(wins))
	}
	b, _ := f.battles.GetBattleByID(context.Background(), "b1")
	if b.Status != model.BattleClaimed || b.ClaimToken == nil || *b.ClaimToken != wins[0] {
		t.Errorf("battle after claim = %s token %v, want claimed by %s", b.Status, b.ClaimToken, wins[0])
	}
}

func TestAppendContiguity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)
	c := f.claim(t, "b1", "tok", t0)

	if err := f.turns.Append(ctx, c.Token, turnAt("b1", 1)); !errors.Is(err, common.ErrOutOfOrder) {
		t.Fatalf("append at 1 before 0: err = %v, want ErrOutOfOrder", err)
	}
	for i := range 3 {
		if err := f.turns.Append(ctx, c.Token, turnAt("b1", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := f.turns.Append(ctx, c.Token, turnAt("b1", 5)); !errors.Is(err, common.ErrOutOfOrder) {
		t.Errorf("append gap: err = %v, want ErrOutOfOrder", err)
	}

	latest, err := f.turns.LatestIndex(ctx, "b1")
	if err != nil || latest != 2 {
		t.Errorf("LatestIndex = %d, %v; want 2", latest, err)
	}
	b, _ := f.battles.GetBattleByID(ctx, "b1")
	if b.CurrentTurn != 3 || b.LastTurnAt == nil {
		t.Errorf("battle current_turn = %d last_turn_at = %v", b.CurrentTurn, b.LastTurnAt)
	}
}

func TestAppendReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)
	c := f.claim(t, "b1", "tok", t0)

	first := turnAt("b1", 0)
	if err := f.turns.Append(ctx, c.Token, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	replay := turnAt("b1", 0)
	replay.CreatedAt = t0.Add(time.Hour)
	replay.State = json.RawMessage(`{ "turn": 0 }`)
	if err := f.turns.Append(ctx, c.Token, replay); err != nil {
		t.Errorf("identical replay: %v", err)
	}

	conflicting := turnAt("b1", 0)
	conflicting.Actions[0].Move = "b0 d"
	if err := f.turns.Append(ctx, c.Token, conflicting); !errors.Is(err, common.ErrOutOfOrder) {
		t.Errorf("conflicting rewrite: err = %v, want ErrOutOfOrder", err)
	}

	var n int
	for _, err := range f.turns.ReadRange(ctx, "b1", 0, -1) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("stored %d turns, want 1", n)
	}
}

func TestAppendFencing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)
	c := f.claim(t, "b1", "tok", t0)

	if err := f.turns.Append(ctx, "someone-else", turnAt("b1", 0)); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("foreign token: err = %v, want ErrClaimLost", err)
	}
	if err := f.turns.Append(ctx, c.Token, turnAt("b1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.battles.Complete(ctx, c, nil, model.EndReasonTurnLimit, t0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := f.turns.Append(ctx, c.Token, turnAt("b1", 1)); !errors.Is(err, common.ErrBattleClosed) {
		t.Errorf("append after completion: err = %v, want ErrBattleClosed", err)
	}
	if err := f.battles.Fail(ctx, c, "late", t0); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("Fail after Complete: err = %v, want ErrClaimLost", err)
	}
}

func TestReadRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)
	c := f.claim(t, "b1", "tok", t0)

	const total = turnPageSize + 25
	for i := range total {
		if err := f.turns.Append(ctx, c.Token, turnAt("b1", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	collect := func(from, to int) []int {
		var idx []int
		for turn, err := range f.turns.ReadRange(ctx, "b1", from, to) {
			if err != nil {
				t.Fatalf("ReadRange(%d, %d): %v", from, to, err)
			}
			idx = append(idx, turn.Index)
		}
		return idx
	}

	all := collect(0, -1)
	if len(all) != total {
		t.Fatalf("full read returned %d turns, want %d", len(all), total)
	}
	for i, idx := range all {
		if idx != i {
			t.Fatalf("turn %d has index %d", i, idx)
		}
	}

	if got := collect(3, 6); len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("ReadRange(3, 6) = %v", got)
	}
	if got := collect(total, -1); len(got) != 0 {
		t.Errorf("read past end = %v", got)
	}

	seq := f.turns.ReadRange(ctx, "b1", 0, 2)
	for range 2 {
		n := 0
		for range seq {
			n++
		}
		if n != 2 {
			t.Errorf("restarted sequence yielded %d turns", n)
		}
	}

	for turn, err := range f.turns.ReadRange(ctx, "b1", 7, 8) {
		if err != nil {
			t.Fatal(err)
		}
		if len(turn.Actions) != 2 || turn.Actions[1].Move != "t0 l" {
			t.Errorf("turn 7 actions = %+v", turn.Actions)
		}
	}
}

func TestLatestIndexEmpty(t *testing.T) {
	f := newFixture(t)
	f.newBattle(t, "b1", t0)
	if _, err := f.turns.LatestIndex(context.Background(), "b1"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("LatestIndex on empty battle: err = %v, want ErrNotFound", err)
	}
}

func TestReclaimStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "stale", t0)
	f.newBattle(t, "fresh", t0)

	stale := f.claim(t, "stale", "old", t0)
	fresh := f.claim(t, "fresh", "tok", t0)
	if err := f.turns.Append(ctx, fresh.Token, &model.Turn{
		BattleID: "fresh", Index: 0, State: json.RawMessage(`{}`), CreatedAt: t0.Add(time.Minute),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	staleBefore := t0.Add(30 * time.Second)
	requeued, abandoned, err := f.battles.ReclaimStale(ctx, staleBefore, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "stale" || len(abandoned) != 0 {
		t.Fatalf("requeued %v abandoned %v", requeued, abandoned)
	}

	if err := f.turns.Append(ctx, stale.Token, turnAt("stale", 0)); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("append with reclaimed token: err = %v, want ErrClaimLost", err)
	}

	b, _ := f.battles.GetBattleByID(ctx, "stale")
	if b.Status != model.BattleQueued || b.ReclaimCount != 1 || b.ClaimToken != nil {
		t.Errorf("reclaimed battle = %+v", b)
	}

	// Claimed again, goes stale again: no second reclaim.
	f.claim(t, "stale", "second", t0.Add(2*time.Minute))
	requeued, abandoned, err = f.battles.ReclaimStale(ctx, t0.Add(time.Hour), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(abandoned) != 1 || abandoned[0] != "stale" {
		t.Errorf("abandoned = %v, want [stale]", abandoned)
	}
	if len(requeued) != 1 || requeued[0] != "fresh" {
		t.Errorf("requeued = %v, want [fresh]", requeued)
	}
	b, _ = f.battles.GetBattleByID(ctx, "stale")
	if b.Status != model.BattleFailed || b.FailureReason == nil || *b.FailureReason != model.FailureAbandoned {
		t.Errorf("abandoned battle status %s reason %v", b.Status, b.FailureReason)
	}
}

func TestRequestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)

	if err := f.battles.RequestCancel(ctx, "b1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	ok, err := f.battles.IsCancelRequested(ctx, "b1")
	if err != nil || !ok {
		t.Errorf("IsCancelRequested = %v, %v", ok, err)
	}

	c := f.claim(t, "b1", "tok", t0)
	if err := f.battles.Fail(ctx, c, model.FailureCancelled, t0); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := f.battles.RequestCancel(ctx, "b1"); !errors.Is(err, common.ErrBattleClosed) {
		t.Errorf("cancel finished battle: err = %v, want ErrBattleClosed", err)
	}
	if err := f.battles.RequestCancel(ctx, "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("cancel missing battle: err = %v, want ErrNotFound", err)
	}
}

func TestRebind(t *testing.T) {
	got := rebind("pgx", `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`)
	want := `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if got := rebind("sqlite", "x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestStatusWritesFollowStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.newBattle(t, "b1", t0)
	c := model.Claim{BattleID: "b1", Token: "tok"}
	if ok, err := f.battles.Claim(ctx, c, "worker-test", t0); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}

	if err := f.battles.Complete(ctx, c, nil, model.EndReasonTurnLimit, t0); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("Complete while claimed: err = %v, want ErrClaimLost", err)
	}
	if err := f.battles.Heartbeat(ctx, c, t0.Add(time.Second)); err != nil {
		t.Errorf("Heartbeat while claimed: %v", err)
	}
	if err := f.battles.MarkRunning(ctx, c, t0); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := f.battles.MarkRunning(ctx, c, t0); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("second MarkRunning: err = %v, want ErrClaimLost", err)
	}
	if err := f.battles.Complete(ctx, c, nil, model.EndReasonTurnLimit, t0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := f.battles.Heartbeat(ctx, c, t0.Add(time.Minute)); !errors.Is(err, common.ErrClaimLost) {
		t.Errorf("Heartbeat after Complete: err = %v, want ErrClaimLost", err)
	}
	b, _ := f.battles.GetBattleByID(ctx, "b1")
	if b.Status != model.BattleCompleted {
		t.Errorf("status = %s, want completed", b.Status)
	}
}
