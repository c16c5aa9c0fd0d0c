package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type fakeCollection struct {
	mu           sync.Mutex
	docs         map[string]entryDocument
	indexCreated bool
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]entryDocument)}
}

func mustNewTestStore() (*Store, *fakeCollection) {
	fc := newFakeCollection()
	return &Store{coll: fc, relColl: newFakeRelCollection(), logColl: newFakeLogCollection(), timeout: time.Second}, fc
}

// fakeRelCollection is a minimal in-memory stand-in for the
// memory_relationships collection, keyed on the (from_id, to_id, type)
// uniqueness invariant.
type fakeRelCollection struct {
	mu   sync.Mutex
	docs map[string]relationshipDocument
}

func newFakeRelCollection() *fakeRelCollection {
	return &fakeRelCollection{docs: make(map[string]relationshipDocument)}
}

func relKey(fromID, toID, typ string) string { return fromID + "|" + toID + "|" + typ }

func (c *fakeRelCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	doc, ok := replacement.(relationshipDocument)
	if !ok {
		return nil, errors.New("unsupported replacement type")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[relKey(doc.FromID, doc.ToID, doc.Type)] = doc
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeRelCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("not used by relationship store")
}

func (c *fakeRelCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return fakeSingleResult{err: errors.New("not used by relationship store")}
}

func (c *fakeRelCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return nil, errors.New("unsupported filter type")
	}
	clauses, _ := f["$or"].([]bson.M)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []relationshipDocument
	for _, doc := range c.docs {
		for _, clause := range clauses {
			if fromID, ok := clause["from_id"].(string); ok && doc.FromID == fromID {
				out = append(out, doc)
				break
			}
			if toID, ok := clause["to_id"].(string); ok && doc.ToID == toID {
				out = append(out, doc)
				break
			}
		}
	}
	return &fakeRelCursor{docs: out}, nil
}

func (c *fakeRelCollection) Indexes() indexView { return noopIndexView{} }

type fakeRelCursor struct{ docs []relationshipDocument }

func (c *fakeRelCursor) All(ctx context.Context, results any) error {
	dest, ok := results.(*[]relationshipDocument)
	if !ok {
		return errors.New("unsupported cursor target")
	}
	*dest = c.docs
	return nil
}

func (c *fakeRelCursor) Close(ctx context.Context) error { return nil }

// fakeLogCollection is a minimal in-memory stand-in for the
// consolidation_log collection.
type fakeLogCollection struct {
	mu   sync.Mutex
	docs map[string]consolidationLogDocument
}

func newFakeLogCollection() *fakeLogCollection {
	return &fakeLogCollection{docs: make(map[string]consolidationLogDocument)}
}

func (c *fakeLogCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	doc, ok := replacement.(consolidationLogDocument)
	if !ok {
		return nil, errors.New("unsupported replacement type")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.ID] = doc
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeLogCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("not used by consolidation log store")
}

func (c *fakeLogCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return fakeSingleResult{err: errors.New("not used by consolidation log store")}
}

func (c *fakeLogCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]consolidationLogDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return &fakeLogCursor{docs: out}, nil
}

func (c *fakeLogCollection) Indexes() indexView { return noopIndexView{} }

// noopIndexView satisfies indexView for collections whose index creation
// isn't under test.
type noopIndexView struct{}

func (noopIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type fakeLogCursor struct{ docs []consolidationLogDocument }

func (c *fakeLogCursor) All(ctx context.Context, results any) error {
	dest, ok := results.(*[]consolidationLogDocument)
	if !ok {
		return errors.New("unsupported cursor target")
	}
	*dest = c.docs
	return nil
}

func (c *fakeLogCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	doc, ok := replacement.(entryDocument)
	if !ok {
		return nil, errors.New("unsupported replacement type")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.ID] = doc
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return nil, errors.New("unsupported filter type")
	}
	id, _ := f["_id"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return nil, mongodriver.ErrNoDocuments
	}

	up, ok := update.(bson.M)
	if !ok {
		return nil, errors.New("unsupported update type")
	}
	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["active"].(bool); ok {
			doc.Active = v
		}
		if v, ok := set["updated_at"].(time.Time); ok {
			doc.UpdatedAt = v
		}
		if v, ok := set["last_access_at"].(time.Time); ok {
			doc.LastAccessAt = v
		}
	}
	if inc, ok := up["$inc"].(bson.M); ok {
		if v, ok := inc["access_count"].(int); ok {
			doc.AccessCount += v
		}
	}
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	f, ok := filter.(bson.M)
	if !ok {
		return fakeSingleResult{err: errors.New("unsupported filter type")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := f["_id"].(string); ok {
		doc, found := c.docs[id]
		if !found {
			return fakeSingleResult{err: mongodriver.ErrNoDocuments}
		}
		return fakeSingleResult{doc: &doc}
	}

	userID, _ := f["user_id"].(int64)
	hash, _ := f["semantic_hash"].(string)
	for _, doc := range c.docs {
		if doc.UserID == userID && doc.Active && doc.SemanticHash == hash {
			d := doc
			return fakeSingleResult{doc: &d}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return nil, errors.New("unsupported filter type")
	}
	userID, _ := f["user_id"].(int64)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []entryDocument
	for _, doc := range c.docs {
		if doc.UserID == userID && doc.Active {
			out = append(out, doc)
		}
	}
	return &fakeCursor{docs: out}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.parent.mu.Lock()
	v.parent.indexCreated = true
	v.parent.mu.Unlock()
	return "idx_user_active", nil
}

type fakeSingleResult struct {
	doc *entryDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*entryDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = *r.doc
	return nil
}

type fakeCursor struct {
	docs []entryDocument
}

func (c *fakeCursor) All(ctx context.Context, results any) error {
	dest, ok := results.(*[]entryDocument)
	if !ok {
		return errors.New("unsupported cursor target")
	}
	*dest = c.docs
	return nil
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}

func TestUpsertAndGet(t *testing.T) {
	s, _ := mustNewTestStore()
	entry := &types.MemoryEntry{ID: "m1", UserID: 1, Content: "likes running", Active: true}

	require.NoError(t, s.Upsert(context.Background(), entry))
	got, ok, err := s.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "likes running", got.Content)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, _ := mustNewTestStore()
	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestActiveByUserFiltersInactive(t *testing.T) {
	s, _ := mustNewTestStore()
	require.NoError(t, s.Upsert(context.Background(), &types.MemoryEntry{ID: "a", UserID: 1, Active: true}))
	require.NoError(t, s.Upsert(context.Background(), &types.MemoryEntry{ID: "b", UserID: 1, Active: false}))

	out, err := s.ActiveByUser(context.Background(), 1, types.OrderByCreatedAtDesc, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].ID)
}

func TestFindBySemanticHash(t *testing.T) {
	s, _ := mustNewTestStore()
	require.NoError(t, s.Upsert(context.Background(), &types.MemoryEntry{ID: "m1", UserID: 1, Active: true, SemanticHash: "hash1"}))

	found, ok, err := s.FindBySemanticHash(context.Background(), 1, "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m1", found.ID)
}

func TestDeactivate(t *testing.T) {
	s, _ := mustNewTestStore()
	require.NoError(t, s.Upsert(context.Background(), &types.MemoryEntry{ID: "m1", UserID: 1, Active: true}))
	require.NoError(t, s.Deactivate(context.Background(), "m1"))

	out, err := s.ActiveByUser(context.Background(), 1, types.OrderByCreatedAtDesc, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestIncrementAccess(t *testing.T) {
	s, _ := mustNewTestStore()
	require.NoError(t, s.Upsert(context.Background(), &types.MemoryEntry{ID: "m1", UserID: 1, Active: true}))
	require.NoError(t, s.IncrementAccess(context.Background(), "m1"))
	require.NoError(t, s.IncrementAccess(context.Background(), "m1"))

	got, _, _ := s.Get(context.Background(), "m1")
	require.Equal(t, 2, got.AccessCount)
}

func TestSaveRelationshipAndRelationshipsInvolving(t *testing.T) {
	s, _ := mustNewTestStore()
	rel := types.Relationship{FromID: "a", ToID: "b", Type: types.RelationSupports, Confidence: 0.8, CreatedAt: time.Now()}
	require.NoError(t, s.SaveRelationship(context.Background(), rel))

	out, err := s.RelationshipsInvolving(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, types.RelationSupports, out[0].Type)

	out, err = s.RelationshipsInvolving(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSaveConsolidationLogEntryAndList(t *testing.T) {
	s, _ := mustNewTestStore()
	older := types.ConsolidationLogEntry{ID: "log-1", Type: "supersede", ResultID: "b", CreatedAt: time.Now().Add(-time.Hour)}
	newer := types.ConsolidationLogEntry{ID: "log-2", Type: "consolidate", ResultID: "c", CreatedAt: time.Now()}
	require.NoError(t, s.SaveConsolidationLogEntry(context.Background(), older))
	require.NoError(t, s.SaveConsolidationLogEntry(context.Background(), newer))

	out, err := s.ConsolidationLogEntries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "log-2", out[0].ID)
}
