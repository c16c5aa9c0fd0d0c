package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	entries map[string]*types.MemoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*types.MemoryEntry)}
}

func (s *fakeStore) Upsert(ctx context.Context, entry *types.MemoryEntry) error {
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *fakeStore) ActiveByUser(ctx context.Context, userID int64, orderBy types.OrderBy, limit int) ([]types.MemoryEntry, error) {
	var out []types.MemoryEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.Active {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) FindBySemanticHash(ctx context.Context, userID int64, hash string) (*types.MemoryEntry, bool, error) {
	for _, e := range s.entries {
		if e.UserID == userID && e.Active && e.SemanticHash == hash {
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*types.MemoryEntry, bool, error) {
	e, ok := s.entries[id]
	return e, ok, nil
}

func (s *fakeStore) Deactivate(ctx context.Context, id string) error {
	if e, ok := s.entries[id]; ok {
		e.Active = false
	}
	return nil
}

func (s *fakeStore) IncrementAccess(ctx context.Context, id string) error {
	if e, ok := s.entries[id]; ok {
		e.AccessCount++
	}
	return nil
}

func (s *fakeStore) SaveRelationship(ctx context.Context, rel types.Relationship) error { return nil }

func (s *fakeStore) RelationshipsInvolving(ctx context.Context, memoryID string) ([]types.Relationship, error) {
	return nil, nil
}

func (s *fakeStore) SaveConsolidationLogEntry(ctx context.Context, entry types.ConsolidationLogEntry) error {
	return nil
}

func (s *fakeStore) ConsolidationLogEntries(ctx context.Context, limit int) ([]types.ConsolidationLogEntry, error) {
	return nil, nil
}

func TestDecideCreatesWhenNoSimilarMemory(t *testing.T) {
	store := newFakeStore()
	d := New(DefaultConfig(), store, nil)

	result, err := d.Decide(context.Background(), 1, "I enjoy hiking on weekends", nil, 0.5, []string{"hiking"})
	require.NoError(t, err)
	require.Equal(t, types.DecisionCreate, result.Decision)
}

func TestDecideSkipsOnExactSemanticHashMatch(t *testing.T) {
	store := newFakeStore()
	content := "I enjoy hiking on weekends"
	hash := SemanticHash(content, nil)
	require.NoError(t, store.Upsert(context.Background(), &types.MemoryEntry{
		ID: "m1", UserID: 1, Content: content, Active: true, SemanticHash: hash,
	}))

	d := New(DefaultConfig(), store, nil)
	result, err := d.Decide(context.Background(), 1, content, nil, 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, types.DecisionSkip, result.Decision)
	require.Equal(t, "m1", result.EntryID)
}

func TestDecideSkipsOnNearDuplicateSimilarity(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert(context.Background(), &types.MemoryEntry{
		ID: "m1", UserID: 1, Active: true, CreatedAt: time.Now(),
		Content: "prefers morning workouts at the gym",
		Keywords: []string{"morning", "workouts", "gym"},
	}))

	d := New(DefaultConfig(), store, nil)
	result, err := d.Decide(context.Background(), 1, "prefers morning workouts at the gym", nil, 0.5,
		[]string{"morning", "workouts", "gym"})
	require.NoError(t, err)
	require.Equal(t, types.DecisionSkip, result.Decision)
	require.Equal(t, "m1", result.EntryID)
}

func TestDecideUpdatesOnModerateSimilarity(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert(context.Background(), &types.MemoryEntry{
		ID: "m1", UserID: 1, Active: true, CreatedAt: time.Now(),
		Content: "likes running in the park every morning",
		Keywords: []string{"running", "park", "morning"},
	}))

	d := New(DefaultConfig(), store, nil)
	result, err := d.Decide(context.Background(), 1, "likes running in the park every evening", nil, 0.5,
		[]string{"running", "park"})
	require.NoError(t, err)
	require.Equal(t, types.DecisionUpdate, result.Decision)
}

func TestDecideIgnoresCandidatesOutsideHorizon(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert(context.Background(), &types.MemoryEntry{
		ID: "old", UserID: 1, Active: true, CreatedAt: time.Now().Add(-72 * time.Hour),
		Content: "prefers morning workouts at the gym",
		Keywords: []string{"morning", "workouts", "gym"},
	}))

	d := New(DefaultConfig(), store, nil)
	result, err := d.Decide(context.Background(), 1, "prefers morning workouts at the gym", nil, 0.5,
		[]string{"morning", "workouts", "gym"})
	require.NoError(t, err)
	require.Equal(t, types.DecisionCreate, result.Decision)
}

func TestDecideCachesRepeatedDecision(t *testing.T) {
	store := newFakeStore()
	d := New(DefaultConfig(), store, nil)

	content := "I want to run a marathon next year"
	first, err := d.Decide(context.Background(), 1, content, nil, 0.5, nil)
	require.NoError(t, err)

	store.entries = make(map[string]*types.MemoryEntry)
	second, err := d.Decide(context.Background(), 1, content, nil, 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, first.Decision, second.Decision)
}

func TestSemanticHashStableForSameContent(t *testing.T) {
	h1 := SemanticHash("I love morning runs", nil)
	h2 := SemanticHash("I love morning runs", nil)
	require.Equal(t, h1, h2)
}

func TestSemanticHashDiffersForDifferentEmbeddings(t *testing.T) {
	h1 := SemanticHash("text", []float32{0.1, 0.2, 0.3})
	h2 := SemanticHash("text", []float32{0.9, 0.8, 0.7})
	require.NotEqual(t, h1, h2)
}

func TestDecideSerializesPerUser(t *testing.T) {
	store := newFakeStore()
	d := New(DefaultConfig(), store, nil)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = d.Decide(context.Background(), 7, "message A", nil, 0.5, nil)
		done <- struct{}{}
	}()
	go func() {
		_, _ = d.Decide(context.Background(), 7, "message B", nil, 0.5, nil)
		done <- struct{}{}
	}()
	<-done
	<-done
}
