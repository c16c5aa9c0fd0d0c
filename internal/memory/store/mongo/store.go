// Package mongo implements types.Store on top of MongoDB, for deployments
// that want the memory pipeline's variable-shape fields (keywords,
// embeddings, atomic facts) as native documents instead of a relational
// schema, adapted from the teacher pack's mongo-backed memory client
// (goa-ai features/memory/mongo).
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultCollection                 = "memory_entries"
	defaultRelationshipCollection     = "memory_relationships"
	defaultConsolidationLogCollection = "consolidation_log"
	defaultTimeout                    = 5 * time.Second
)

// Options configures the Mongo-backed store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements types.Store against a single Mongo collection keyed by
// document _id == MemoryEntry.ID, plus two side collections for the
// Relationship Engine's output.
type Store struct {
	coll    collection
	relColl collection
	logColl collection
	timeout time.Duration
}

// New builds a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	wrapper := mongoCollection{coll: db.Collection(collName)}
	relWrapper := mongoCollection{coll: db.Collection(defaultRelationshipCollection)}
	logWrapper := mongoCollection{coll: db.Collection(defaultConsolidationLogCollection)}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(idxCtx, wrapper); err != nil {
		return nil, err
	}
	if err := ensureRelationshipIndexes(idxCtx, relWrapper); err != nil {
		return nil, err
	}

	return &Store{coll: wrapper, relColl: relWrapper, logColl: logWrapper, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type entryDocument struct {
	ID           string    `bson:"_id"`
	UserID       int64     `bson:"user_id"`
	Content      string    `bson:"content"`
	Category     string    `bson:"category"`
	Importance   float64   `bson:"importance"`
	Keywords     []string  `bson:"keywords,omitempty"`
	Embedding    []float32 `bson:"embedding,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
	AccessCount  int       `bson:"access_count"`
	LastAccessAt time.Time `bson:"last_access_at,omitempty"`
	Active       bool      `bson:"active"`
	SemanticHash string    `bson:"semantic_hash,omitempty"`
	UpdateCount  int       `bson:"update_count"`
}

func toDocument(e *types.MemoryEntry) entryDocument {
	return entryDocument{
		ID:           e.ID,
		UserID:       e.UserID,
		Content:      e.Content,
		Category:     string(e.Category),
		Importance:   e.Importance,
		Keywords:     e.Keywords,
		Embedding:    e.Embedding,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		AccessCount:  e.AccessCount,
		LastAccessAt: e.LastAccessAt,
		Active:       e.Active,
		SemanticHash: e.SemanticHash,
		UpdateCount:  e.UpdateCount,
	}
}

func fromDocument(d entryDocument) types.MemoryEntry {
	return types.MemoryEntry{
		ID:           d.ID,
		UserID:       d.UserID,
		Content:      d.Content,
		Category:     types.Category(d.Category),
		Importance:   d.Importance,
		Keywords:     d.Keywords,
		Embedding:    d.Embedding,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		AccessCount:  d.AccessCount,
		LastAccessAt: d.LastAccessAt,
		Active:       d.Active,
		SemanticHash: d.SemanticHash,
		UpdateCount:  d.UpdateCount,
	}
}

func (s *Store) Upsert(ctx context.Context, entry *types.MemoryEntry) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry.UpdatedAt = time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.UpdatedAt
	}

	doc := toDocument(entry)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": entry.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ActiveByUser(ctx context.Context, userID int64, orderBy types.OrderBy, limit int) ([]types.MemoryEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sortField := "created_at"
	if orderBy == types.OrderByImportanceDesc {
		sortField = "importance"
	}
	opts := options.Find().SetSort(bson.D{{Key: sortField, Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, bson.M{"user_id": userID, "active": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []entryDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]types.MemoryEntry, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}

func (s *Store) FindBySemanticHash(ctx context.Context, userID int64, hash string) (*types.MemoryEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc entryDocument
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID, "active": true, "semantic_hash": hash}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := fromDocument(doc)
	return &entry, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.MemoryEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc entryDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := fromDocument(doc)
	return &entry, true, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"active": false, "updated_at": time.Now().UTC()},
	})
	return err
}

func (s *Store) IncrementAccess(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"access_count": 1},
		"$set": bson.M{"last_access_at": time.Now().UTC()},
	})
	return err
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "active", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, idx)
	return err
}

// ensureRelationshipIndexes enforces the (from_id, to_id, type) uniqueness
// invariant so re-discovering the same edge doesn't duplicate it.
func ensureRelationshipIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "from_id", Value: 1}, {Key: "to_id", Value: 1}, {Key: "type", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, idx)
	return err
}

type relationshipDocument struct {
	FromID     string    `bson:"from_id"`
	ToID       string    `bson:"to_id"`
	Type       string    `bson:"type"`
	Confidence float64   `bson:"confidence"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (s *Store) SaveRelationship(ctx context.Context, rel types.Relationship) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := relationshipDocument{
		FromID:     rel.FromID,
		ToID:       rel.ToID,
		Type:       string(rel.Type),
		Confidence: rel.Confidence,
		CreatedAt:  rel.CreatedAt,
	}
	filter := bson.M{"from_id": rel.FromID, "to_id": rel.ToID, "type": string(rel.Type)}
	_, err := s.relColl.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) RelationshipsInvolving(ctx context.Context, memoryID string) ([]types.Relationship, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"$or": []bson.M{{"from_id": memoryID}, {"to_id": memoryID}}}
	cur, err := s.relColl.Find(ctx, filter, options.Find())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []relationshipDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]types.Relationship, len(docs))
	for i, d := range docs {
		out[i] = types.Relationship{
			FromID:     d.FromID,
			ToID:       d.ToID,
			Type:       types.RelationType(d.Type),
			Confidence: d.Confidence,
			CreatedAt:  d.CreatedAt,
		}
	}
	return out, nil
}

type consolidationLogDocument struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	SourceIDs  []string  `bson:"source_ids"`
	ResultID   string    `bson:"result_id"`
	Reason     string    `bson:"reason"`
	Confidence float64   `bson:"confidence"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (s *Store) SaveConsolidationLogEntry(ctx context.Context, entry types.ConsolidationLogEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := consolidationLogDocument{
		ID:         entry.ID,
		Type:       entry.Type,
		SourceIDs:  entry.SourceIDs,
		ResultID:   entry.ResultID,
		Reason:     entry.Reason,
		Confidence: entry.Confidence,
		CreatedAt:  entry.CreatedAt,
	}
	_, err := s.logColl.ReplaceOne(ctx, bson.M{"_id": entry.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ConsolidationLogEntries(ctx context.Context, limit int) ([]types.ConsolidationLogEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.logColl.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []consolidationLogDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]types.ConsolidationLogEntry, len(docs))
	for i, d := range docs {
		out[i] = types.ConsolidationLogEntry{
			ID:         d.ID,
			Type:       d.Type,
			SourceIDs:  d.SourceIDs,
			ResultID:   d.ResultID,
			Reason:     d.Reason,
			Confidence: d.Confidence,
			CreatedAt:  d.CreatedAt,
		}
	}
	return out, nil
}

var _ types.Store = (*Store)(nil)

// collection is the narrow slice of *mongo.Collection this package needs,
// kept as an interface so tests can substitute a fake without a live server.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
	Close(ctx context.Context) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

// ping verifies connectivity, used by health checks.
func Ping(ctx context.Context, client *mongodriver.Client) error {
	return client.Ping(ctx, readpref.Primary())
}
