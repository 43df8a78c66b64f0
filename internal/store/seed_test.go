package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homework-grader/internal/models"
)

const seedJSON = `[
	{"id": "sub-1", "grader_id": "t-1", "total_score": 10, "attachments": ["https://cdn.example.com/a.jpg"]},
	{"id": "sub-2", "grader_id": "t-2"}
]`

func TestSeedIsRepeatable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := Seed(ctx, m, strings.NewReader(seedJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sub, err := m.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", sub.GraderID)
	assert.Equal(t, 10.0, sub.TotalScore)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg"}, sub.Attachments)
	assert.Equal(t, models.StatusNone, sub.Grading.Status)

	sub, err = m.GetSubmission(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, 100.0, sub.TotalScore)

	n, err = Seed(ctx, m, strings.NewReader(seedJSON))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeedRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	_, err := Seed(ctx, NewMemory(), strings.NewReader(`{"id": "x"}`))
	assert.Error(t, err)
	_, err = Seed(ctx, NewMemory(), strings.NewReader(`[{"grader_id": "t-1"}]`))
	assert.ErrorContains(t, err, "id is required")
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(seedJSON), 0o600))

	m := NewMemory()
	n, err := SeedFile(context.Background(), m, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = SeedFile(context.Background(), m, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
