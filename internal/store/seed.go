package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"homework-grader/internal/apperr"
	"homework-grader/internal/models"
)

// Creator inserts new submissions. Both backends implement it.
type Creator interface {
	CreateSubmission(ctx context.Context, p CreateSubmissionParams) (models.Submission, error)
}

// Seed inserts the submissions of a JSON array and returns how many were new.
// Ones that already exist are left untouched, so seeding is repeatable.
func Seed(ctx context.Context, c Creator, r io.Reader) (int, error) {
	var items []CreateSubmissionParams
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	created := 0
	for i, p := range items {
		if p.ID == "" {
			return created, fmt.Errorf("seed entry %d: id is required", i)
		}
		if p.TotalScore <= 0 {
			p.TotalScore = 100
		}
		if _, err := c.CreateSubmission(ctx, p); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			return created, fmt.Errorf("seed %s: %w", p.ID, err)
		}
		created++
	}
	return created, nil
}

// SeedFile runs Seed over the file at path.
func SeedFile(ctx context.Context, c Creator, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return Seed(ctx, c, f)
}
