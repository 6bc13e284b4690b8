package seed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/domain/repository"
	"ai_arena/internal/platform/database/dbtest"
)

func TestDefaultSeed(t *testing.T) {
	f, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	byID := map[string]ContestSeed{}
	for _, c := range f.Contests {
		byID[c.ID] = c
	}
	ai, ok := byID["komabasai2018-ai"]
	if !ok || ai.Type != model.ContestTypeBattle {
		t.Fatalf("battle contest missing: %+v", byID)
	}
	if ai.Rules.Game != "beams" || ai.Rules.TurnLimit != 300 || len(ai.Presets) != 2 {
		t.Errorf("battle contest = %+v presets %v", ai.Rules, ai.Presets)
	}
	if _, ok := byID["dragon-puzzles"]; !ok {
		t.Error("dragon-puzzles missing")
	}
	want := time.Date(2018, 11, 25, 3, 3, 0, 0, time.UTC)
	if !ai.StartsAt.Equal(want) {
		t.Errorf("start = %v, want %v", ai.StartsAt, want)
	}
}

func TestLoadDerivesIDAndValidates(t *testing.T) {
	f, err := Load(strings.NewReader(`
contests:
  - name: Winter Battle Cup
    type: battle
    start: 2019-01-01T00:00:00Z
    end: 2019-01-02T00:00:00Z
    rules: {game: beams, width: 8, height: 8, turn_limit: 50}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := f.Contests[0].ID; got != "winter-battle-cup" {
		t.Errorf("derived id = %q", got)
	}

	bad := []string{
		"contests:\n  - {id: x, name: X, type: battle, start: 2019-01-01T00:00:00Z, end: 2019-01-02T00:00:00Z}\n",
		"contests:\n  - {id: x, name: X, type: quiz, start: 2019-01-01T00:00:00Z, end: 2019-01-02T00:00:00Z}\n",
		"contests:\n  - {id: x, name: X, type: score, start: 2019-01-02T00:00:00Z, end: 2019-01-01T00:00:00Z}\n",
		"contests:\n  - {id: x, name: X, type: score, colour: red}\n",
	}
	for _, doc := range bad {
		if _, err := Load(strings.NewReader(doc)); err == nil {
			t.Errorf("Load accepted %q", doc)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	contests := repository.NewContestRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := contests.UpsertContest(ctx, nil, &model.Contest{
		ID: "rotating-drops", Name: "Rotating Drops", Type: model.ContestTypeScore,
		StartsAt: t0, EndsAt: t0.Add(time.Hour), CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("UpsertContest: %v", err)
	}

	f, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	first, err := Apply(ctx, contests, submissions, f, t0)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(first.Removed) != 1 || len(first.Contests) != 3 || len(first.Presets) != 2 {
		t.Errorf("first apply = %+v", first)
	}
	if _, err := contests.FindContestByID(ctx, "rotating-drops"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("removed contest still present: %v", err)
	}

	second, err := Apply(ctx, contests, submissions, f, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if len(second.Removed) != 0 {
		t.Errorf("second apply removed %v", second.Removed)
	}
	for i, p := range second.Presets {
		if p.ID != first.Presets[i].ID || !p.IsPreset || p.Code != nil {
			t.Errorf("preset %d = %+v, want unchanged %s", i, p, first.Presets[i].ID)
		}
	}
	ai, err := contests.FindContestByID(ctx, "komabasai2018-ai")
	if err != nil {
		t.Fatalf("FindContestByID: %v", err)
	}
	if !ai.CreatedAt.Equal(t0) || !ai.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("timestamps = %v / %v", ai.CreatedAt, ai.UpdatedAt)
	}
}
