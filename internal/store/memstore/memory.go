package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hiermlr/internal/internalerr"
	"hiermlr/internal/store"
	"hiermlr/internal/timeutil"
)

// Store is an in-memory implementation of store.Store for tests.
type Store struct {
	mu   sync.RWMutex
	ids  *store.IDSource
	runs map[string][]*store.StoredPosterior
}

// New creates an empty store. A nil clock stamps runs with the wall clock.
func New(clock timeutil.Clock) *Store {
	return &Store{ids: store.NewIDSource(clock), runs: map[string][]*store.StoredPosterior{}}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// SavePosterior stores a copy of p as a new run.
func (s *Store) SavePosterior(ctx context.Context, p *store.StoredPosterior) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *p
	c.RunID, c.CreatedAt = s.ids.Next()
	s.runs[p.Name] = append(s.runs[p.Name], &c)
	return c.RunID, nil
}

// LoadPosterior returns the latest run saved under name.
func (s *Store) LoadPosterior(ctx context.Context, name string) (*store.StoredPosterior, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[name]
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no saved posterior for %q", internalerr.ErrNotFound, name)
	}
	c := *runs[len(runs)-1]
	return &c, nil
}

// ListRuns returns every run ordered by id.
func (s *Store) ListRuns(ctx context.Context) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Run
	for _, runs := range s.runs {
		for _, p := range runs {
			out = append(out, store.Run{ID: p.RunID, Name: p.Name, Method: p.Method, NumDraws: len(p.Draws), CreatedAt: p.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
