package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"hiermlr/internal/internalerr"
	"hiermlr/internal/mlr"
	"hiermlr/internal/store"
	"hiermlr/internal/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCreationIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open database: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := initSchema(ctx, db); err != nil {
			t.Fatalf("initSchema iteration %d: %v", i, err)
		}
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&count)
	if err != nil {
		t.Fatalf("Count tables: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 table, got %d", count)
	}
}

func sample(name string) *store.StoredPosterior {
	cfg := mlr.DefaultConfig()
	cfg.Mode = mlr.Windowed
	cfg.LeftBuffer = 2
	return &store.StoredPosterior{
		Name:     name,
		Method:   "Laplace",
		VarNames: []string{"J.2", "other"},
		Groups:   []string{"Chile", "Peru"},
		Dates:    []string{"2024-01-01", "2024-01-02"},
		Pivot:    "other",
		Model:    cfg,
		Mode:     []float64{0.1, -0.2, 0.3},
		Draws:    [][]float64{{0.1, -0.2, 0.3}, {0.15, -0.25, 0.35}},
	}
}

func TestSaveAndLoadLatest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "models", "posteriors.db")
	clock := timeutil.FixedClock{T: time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)}

	s, err := Open(ctx, path, clock)
	require.NoError(t, err)

	first, err := s.SavePosterior(ctx, sample("hierarchical"))
	require.NoError(t, err)
	updated := sample("hierarchical")
	updated.Method = "MAP"
	second, err := s.SavePosterior(ctx, updated)
	require.NoError(t, err)
	_, err = s.SavePosterior(ctx, sample("Chile"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopen to check the runs were persisted
	s, err = Open(ctx, path, clock)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadPosterior(ctx, "hierarchical")
	require.NoError(t, err)
	assert.Equal(t, second, got.RunID)
	assert.Equal(t, "MAP", got.Method)
	assert.Equal(t, mlr.Windowed, got.Model.Mode)
	assert.Equal(t, 2, got.Model.LeftBuffer)
	assert.Equal(t, clock.T, got.CreatedAt)
	assert.Equal(t, sample("x").Draws, got.Draws)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, first, runs[0].ID)
	assert.Equal(t, "Laplace", runs[0].Method)
	assert.Equal(t, 2, runs[0].NumDraws)

	_, err = s.LoadPosterior(ctx, "Atlantis")
	assert.ErrorIs(t, err, internalerr.ErrNotFound)
}
