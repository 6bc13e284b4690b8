// Package seed loads contests and their preset players from YAML.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"time"

	"ai_arena/internal/common"
	"ai_arena/internal/domain/model"
	"ai_arena/internal/domain/repository"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultSeed []byte

type File struct {
	// Remove lists contest ids deleted before the upserts.
	Remove   []string      `yaml:"remove"`
	Contests []ContestSeed `yaml:"contests"`
}

type ContestSeed struct {
	model.Contest `yaml:",inline"`
	Presets       []string `yaml:"presets"`
}

type Result struct {
	Removed  []string
	Contests []string
	Presets  []model.Submission
}

// Default returns the embedded seed.
func Default() (*File, error) {
	return Load(bytes.NewReader(defaultSeed))
}

func Load(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i := range f.Contests {
		c := &f.Contests[i]
		if c.ID == "" {
			c.ID = slug.Make(c.Name)
		}
		if !slug.IsSlug(c.ID) {
			return nil, fmt.Errorf("contest %q: id is not a slug: %w", c.ID, common.ErrValidation)
		}
		switch c.Type {
		case model.ContestTypeScore:
		case model.ContestTypeBattle:
			if err := c.Rules.ValidateForBattle(); err != nil {
				return nil, fmt.Errorf("contest %s: %w", c.ID, err)
			}
		default:
			return nil, fmt.Errorf("contest %s: unknown type %q: %w", c.ID, c.Type, common.ErrValidation)
		}
		if !c.EndsAt.After(c.StartsAt) {
			return nil, fmt.Errorf("contest %s: ends before it starts: %w", c.ID, common.ErrValidation)
		}
	}
	return &f, nil
}

// Apply writes the seed. Running it twice leaves the store unchanged apart
// from updated_at; presets keep their original ids.
func Apply(ctx context.Context, contests repository.ContestRepository, submissions repository.SubmissionRepository, f *File, now time.Time) (*Result, error) {
	res := &Result{}
	for _, id := range f.Remove {
		err := contests.DeleteContest(ctx, nil, id)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, id)
	}

	for _, cs := range f.Contests {
		c := cs.Contest
		c.CreatedAt, c.UpdatedAt = now, now
		if existing, err := contests.FindContestByID(ctx, c.ID); err == nil {
			c.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, common.ErrNotFound) {
			return res, err
		}
		if err := contests.UpsertContest(ctx, nil, &c); err != nil {
			return res, err
		}
		res.Contests = append(res.Contests, c.ID)

		for _, name := range cs.Presets {
			sub, err := submissions.UpsertPreset(ctx, nil, &model.Submission{
				ID:        c.ID + "-preset-" + slug.Make(name),
				ContestID: c.ID,
				Name:      name,
				IsPreset:  true,
				CreatedAt: now,
			})
			if err != nil {
				return res, err
			}
			res.Presets = append(res.Presets, *sub)
		}
	}
	return res, nil
}
