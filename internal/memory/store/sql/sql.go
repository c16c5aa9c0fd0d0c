// Package sql implements the durable MemoryEntry store on top of gorm,
// for the mysql, postgres, and sqlite drivers, following the teacher's
// gorm struct-tag idiom (llm/types.go) generalized to the memory
// pipeline's entity. Schema changes are applied via golang-migrate.
package sql

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"gorm.io/gorm"
)

// Entity is the gorm row shape for a MemoryEntry.
type Entity struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       int64  `gorm:"not null;index:idx_user_active"`
	Content      string `gorm:"type:text;not null"`
	Category     string `gorm:"size:32;not null"`
	Importance   float64
	Keywords     string `gorm:"type:text"` // comma-joined
	Embedding    string `gorm:"type:text"` // comma-joined float32s
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AccessCount  int
	LastAccessAt time.Time
	Active       bool   `gorm:"index:idx_user_active"`
	SemanticHash string `gorm:"size:64;index:idx_user_hash"`
	UpdateCount  int
}

func (Entity) TableName() string { return "memory_entries" }

// RelationshipEntity is the gorm row shape for a Relationship edge,
// matching the memory_relationships migration: (from_id, to_id, type) is
// the composite primary key, so re-discovering the same edge is a no-op
// rather than a duplicate row.
type RelationshipEntity struct {
	FromID     string `gorm:"primaryKey;size:64"`
	ToID       string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"primaryKey;size:32"`
	Confidence float64
	CreatedAt  time.Time
}

func (RelationshipEntity) TableName() string { return "memory_relationships" }

// ConsolidationLogEntity is the gorm row shape for a ConsolidationLogEntry.
type ConsolidationLogEntity struct {
	ID         string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"size:32;not null"`
	SourceIDs  string `gorm:"type:text"` // comma-joined
	ResultID   string `gorm:"size:64;index:idx_log_result"`
	Reason     string `gorm:"type:text"`
	Confidence float64
	CreatedAt  time.Time
}

func (ConsolidationLogEntity) TableName() string { return "consolidation_log" }

// Store is a gorm-backed types.Store.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toEntity(e *types.MemoryEntry) Entity {
	embedding := make([]string, len(e.Embedding))
	for i, v := range e.Embedding {
		embedding[i] = formatFloat32(v)
	}
	return Entity{
		ID:           e.ID,
		UserID:       e.UserID,
		Content:      e.Content,
		Category:     string(e.Category),
		Importance:   e.Importance,
		Keywords:     strings.Join(e.Keywords, ","),
		Embedding:    strings.Join(embedding, ","),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		AccessCount:  e.AccessCount,
		LastAccessAt: e.LastAccessAt,
		Active:       e.Active,
		SemanticHash: e.SemanticHash,
		UpdateCount:  e.UpdateCount,
	}
}

func fromEntity(e Entity) types.MemoryEntry {
	var keywords []string
	if e.Keywords != "" {
		keywords = strings.Split(e.Keywords, ",")
	}
	var embedding []float32
	if e.Embedding != "" {
		for _, s := range strings.Split(e.Embedding, ",") {
			embedding = append(embedding, parseFloat32(s))
		}
	}
	return types.MemoryEntry{
		ID:           e.ID,
		UserID:       e.UserID,
		Content:      e.Content,
		Category:     types.Category(e.Category),
		Importance:   e.Importance,
		Keywords:     keywords,
		Embedding:    embedding,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		AccessCount:  e.AccessCount,
		LastAccessAt: e.LastAccessAt,
		Active:       e.Active,
		SemanticHash: e.SemanticHash,
		UpdateCount:  e.UpdateCount,
	}
}

func (s *Store) Upsert(ctx context.Context, entry *types.MemoryEntry) error {
	entry.UpdatedAt = time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.UpdatedAt
	}
	row := toEntity(entry)

	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) ActiveByUser(ctx context.Context, userID int64, orderBy types.OrderBy, limit int) ([]types.MemoryEntry, error) {
	var rows []Entity
	q := s.db.WithContext(ctx).Where("user_id = ? AND active = ?", userID, true)

	switch orderBy {
	case types.OrderByImportanceDesc:
		q = q.Order("importance DESC")
	default:
		q = q.Order("created_at DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.MemoryEntry, len(rows))
	for i, r := range rows {
		out[i] = fromEntity(r)
	}
	return out, nil
}

func (s *Store) FindBySemanticHash(ctx context.Context, userID int64, hash string) (*types.MemoryEntry, bool, error) {
	var row Entity
	err := s.db.WithContext(ctx).Where("user_id = ? AND active = ? AND semantic_hash = ?", userID, true, hash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := fromEntity(row)
	return &entry, true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.MemoryEntry, bool, error) {
	var row Entity
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := fromEntity(row)
	return &entry, true, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Entity{}).Where("id = ?", id).
		Updates(map[string]any{"active": false, "updated_at": time.Now()}).Error
}

func (s *Store) IncrementAccess(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Entity{}).Where("id = ?", id).
		Updates(map[string]any{
			"access_count":   gorm.Expr("access_count + 1"),
			"last_access_at": time.Now(),
		}).Error
}

func (s *Store) SaveRelationship(ctx context.Context, rel types.Relationship) error {
	row := RelationshipEntity{
		FromID:     rel.FromID,
		ToID:       rel.ToID,
		Type:       string(rel.Type),
		Confidence: rel.Confidence,
		CreatedAt:  rel.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) RelationshipsInvolving(ctx context.Context, memoryID string) ([]types.Relationship, error) {
	var rows []RelationshipEntity
	err := s.db.WithContext(ctx).
		Where("from_id = ? OR to_id = ?", memoryID, memoryID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.Relationship, len(rows))
	for i, r := range rows {
		out[i] = types.Relationship{
			FromID:     r.FromID,
			ToID:       r.ToID,
			Type:       types.RelationType(r.Type),
			Confidence: r.Confidence,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

func (s *Store) SaveConsolidationLogEntry(ctx context.Context, entry types.ConsolidationLogEntry) error {
	row := ConsolidationLogEntity{
		ID:         entry.ID,
		Type:       entry.Type,
		SourceIDs:  strings.Join(entry.SourceIDs, ","),
		ResultID:   entry.ResultID,
		Reason:     entry.Reason,
		Confidence: entry.Confidence,
		CreatedAt:  entry.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) ConsolidationLogEntries(ctx context.Context, limit int) ([]types.ConsolidationLogEntry, error) {
	var rows []ConsolidationLogEntity
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.ConsolidationLogEntry, len(rows))
	for i, r := range rows {
		var sourceIDs []string
		if r.SourceIDs != "" {
			sourceIDs = strings.Split(r.SourceIDs, ",")
		}
		out[i] = types.ConsolidationLogEntry{
			ID:         r.ID,
			Type:       r.Type,
			SourceIDs:  sourceIDs,
			ResultID:   r.ResultID,
			Reason:     r.Reason,
			Confidence: r.Confidence,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

var _ types.Store = (*Store)(nil)

func formatFloat32(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

func parseFloat32(s string) float32 {
	v, _ := strconv.ParseFloat(s, 32)
	return float32(v)
}
