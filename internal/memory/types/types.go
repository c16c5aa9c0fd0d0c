// Package types defines the shared data model and storage contracts for
// the memory pipeline, adapted from the teacher's agent/memory entry and
// store shapes (agent/memory/enhanced_memory.go, inmemory_store.go).
package types

import (
	"context"
	"time"
)

// Category classifies a memory entry.
type Category string

const (
	CategoryPreference  Category = "preference"
	CategoryPersonalInfo Category = "personal_info"
	CategoryContext     Category = "context"
	CategoryInstruction Category = "instruction"
)

// MemoryEntry is the durable unit of the memory pipeline (§3). Only
// Active entries are returned by retrieval; superseded entries are
// deactivated, never deleted.
type MemoryEntry struct {
	ID           string
	UserID       int64
	Content      string
	Category     Category
	Importance   float64
	Keywords     []string
	Embedding    []float32
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AccessCount  int
	LastAccessAt time.Time
	Active       bool
	SemanticHash string
	UpdateCount  int
}

// AtomicFact is one extracted, pattern-matched statement within a memory.
type AtomicFact struct {
	MemoryID string
	Text     string
	Pattern  string // which fixed pattern matched: prefer/avoid/goal/constraint/experience
}

// RelationType enumerates the pairwise relationships the Relationship
// Engine can assign between two memories.
type RelationType string

const (
	RelationContradicts      RelationType = "contradicts"
	RelationSupports         RelationType = "supports"
	RelationTemporalSequence RelationType = "temporal_sequence"
	RelationElaborates       RelationType = "elaborates"
)

// Relationship is one directed edge between two memories of the same
// user.
type Relationship struct {
	FromID     string
	ToID       string
	Type       RelationType
	Confidence float64
	CreatedAt  time.Time
}

// ConsolidationLogEntry records a cluster consolidation or contradiction
// supersession performed by the Relationship Engine.
type ConsolidationLogEntry struct {
	ID         string
	Type       string // "consolidate" | "supersede"
	SourceIDs  []string
	ResultID   string
	Reason     string
	Confidence float64
	CreatedAt  time.Time
}

// QueryExpansion is the output of the Intelligent Retriever's first
// pipeline stage.
type QueryExpansion struct {
	OriginalQuery   string
	ExpandedTerms   []string
	Synonyms        []string
	RelatedConcepts []string
	SemanticCluster string
}

// TemporalBucket roughly classifies how "fresh" the requesting context
// is, used to shape the temporal-decay rate and contextual re-rank
// boosts.
type TemporalBucket string

const (
	TemporalImmediate TemporalBucket = "immediate"
	TemporalRecent    TemporalBucket = "recent"
	TemporalDistant   TemporalBucket = "distant"
)

// ConversationContext carries session-scoped signals the retriever uses
// for contextual scoring and re-ranking.
type ConversationContext struct {
	CoachingMode  string
	RecentTopics  []string
	Intent        string
	Temporal      TemporalBucket
	SessionLength int // number of turns so far, used to shift weights
}

// RetrievedMemory is one scored, ranked output of the Intelligent
// Retriever.
type RetrievedMemory struct {
	Entry           MemoryEntry
	Relevance       float64
	Confidence      float64
	RetrievalReason []string
	TemporalWeight  float64
	ContextualBoost float64
	DiversityScore  float64
}

// EnhancedMemoryDetection is the Memory Extractor's verdict.
type EnhancedMemoryDetection struct {
	ShouldRemember     bool
	Category           Category
	Importance         float64
	ExtractedInfo      string
	Keywords           []string
	Reasoning          string
	Confidence         float64
	AtomicFacts        []string
	RelationshipHints  []string
	ContradictionFlag  bool
	TemporalRelevance  string
}

// DedupDecision is the Deduplicator's verdict for one candidate memory.
type DedupDecision string

const (
	DecisionSkip   DedupDecision = "skip"
	DecisionUpdate DedupDecision = "update"
	DecisionMerge  DedupDecision = "merge"
	DecisionCreate DedupDecision = "create"
)

// DedupResult is returned alongside a DedupDecision.
type DedupResult struct {
	Decision   DedupDecision
	Confidence float64
	Reason     string
	EntryID    string // the entry affected (existing for update/merge/skip, new for create)
}

// Store is the memory-store contract the core consumes (§6): upsert by
// id, select active-by-user ordered by recency or importance, filter by
// (user, semanticHash), mark inactive, and atomically increment access
// counters. It also persists the Relationship Engine's output so the
// graph axis of retrieval and the consolidation log are queryable rather
// than discarded after one pass. Implementations may be SQL, a KV store,
// or an in-process double.
type Store interface {
	Upsert(ctx context.Context, entry *MemoryEntry) error
	ActiveByUser(ctx context.Context, userID int64, orderBy OrderBy, limit int) ([]MemoryEntry, error)
	FindBySemanticHash(ctx context.Context, userID int64, hash string) (*MemoryEntry, bool, error)
	Get(ctx context.Context, id string) (*MemoryEntry, bool, error)
	Deactivate(ctx context.Context, id string) error
	IncrementAccess(ctx context.Context, id string) error

	// SaveRelationship persists one directed edge discovered by the
	// Relationship Engine between two memories of the same user.
	SaveRelationship(ctx context.Context, rel Relationship) error
	// RelationshipsInvolving returns every relationship where memoryID is
	// either the source or the target, used by retrieval's graph axis.
	RelationshipsInvolving(ctx context.Context, memoryID string) ([]Relationship, error)
	// SaveConsolidationLogEntry persists one consolidation or
	// supersession record produced by the Relationship Engine.
	SaveConsolidationLogEntry(ctx context.Context, entry ConsolidationLogEntry) error
	// ConsolidationLogEntries returns the most recent consolidation-log
	// rows, newest first. limit <= 0 means unbounded.
	ConsolidationLogEntries(ctx context.Context, limit int) ([]ConsolidationLogEntry, error)
}

// OrderBy selects the sort key for ActiveByUser.
type OrderBy string

const (
	OrderByCreatedAtDesc  OrderBy = "created_at_desc"
	OrderByImportanceDesc OrderBy = "importance_desc"
)
