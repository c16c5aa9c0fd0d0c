// Package relationship extracts atomic facts from a new memory and mines
// pairwise relationships against a bounded set of the user's recent
// memories, clustering and consolidating where warranted. Grounded on the
// teacher's knowledge-graph edge bookkeeping (agent/memory/knowledge_graph.go)
// and its pruning-strategy shape (agent/memory/consolidation_strategies.go),
// generalized from agent-scoped pruning to user-scoped contradiction
// supersession and elaborates-cluster consolidation.
package relationship

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"go.uber.org/zap"
)

// factPattern pairs a label with the regex that recognizes it, and
// whether matches of two different patterns are known to contradict.
type factPattern struct {
	label string
	re    *regexp.Regexp
}

var factPatterns = []factPattern{
	{label: "prefer", re: regexp.MustCompile(`(?i)\b(prefer|like|love|enjoy)s?\b\s*(.+)`)},
	{label: "avoid", re: regexp.MustCompile(`(?i)\b(hate|dislike|avoid|can'?t stand)s?\b\s*(.+)`)},
	{label: "goal", re: regexp.MustCompile(`(?i)\b(want to|goal is|target is|aim(?:ing)? to)\b\s*(.+)`)},
	{label: "constraint", re: regexp.MustCompile(`(?i)\b(cannot|can'?t|allergic to|must avoid)\b\s*(.+)`)},
	{label: "experience", re: regexp.MustCompile(`(?i)\b(did|went|tried|completed)\b\s*(.+)`)},
}

// contradictionPairs lists fact-label pairs known to conflict directly.
var contradictionPairs = map[string]string{
	"prefer":     "avoid",
	"avoid":      "prefer",
	"goal":       "constraint",
	"constraint": "goal",
}

const (
	maxFactsPerMemory     = 5
	keywordOverlapSupport = 0.3
	temporalProximity     = 24 * time.Hour
	elaboratesClusterSize = 2
	contradictionConfidence = 0.75
)

// Config bounds how much history a single relationship pass considers.
type Config struct {
	CandidateWindow time.Duration
	MaxCandidates   int
}

func DefaultConfig() Config {
	return Config{CandidateWindow: 30 * 24 * time.Hour, MaxCandidates: 40}
}

// Engine mines atomic facts and relationships for new memories and
// consolidates clusters or supersedes contradicted memories.
type Engine struct {
	cfg    Config
	store  types.Store
	logger *zap.Logger
}

func New(cfg Config, store types.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, logger: logger.With(zap.String("component", "memory.relationship"))}
}

// ExtractAtomicFacts pulls up to maxFactsPerMemory pattern-matched facts
// out of a memory's content.
func ExtractAtomicFacts(memoryID, content string) []types.AtomicFact {
	var facts []types.AtomicFact
	sentences := splitSentences(content)
	for _, sentence := range sentences {
		for _, p := range factPatterns {
			m := p.re.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			text := strings.TrimSpace(sentence)
			facts = append(facts, types.AtomicFact{MemoryID: memoryID, Text: text, Pattern: p.label})
			if len(facts) >= maxFactsPerMemory {
				return facts
			}
			break
		}
	}
	return facts
}

func splitSentences(content string) []string {
	raw := regexp.MustCompile(`[.!?\n]+`).Split(content, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Process runs the full relationship pass for one newly written memory:
// fact extraction, pairwise relationship mining against recent candidates,
// elaborates-cluster consolidation, and contradiction supersession.
// It returns the relationships discovered and any consolidation log
// entries it produced.
func (e *Engine) Process(ctx context.Context, entry types.MemoryEntry) ([]types.Relationship, []types.ConsolidationLogEntry, error) {
	facts := ExtractAtomicFacts(entry.ID, entry.Content)

	candidates, err := e.recentCandidates(ctx, entry)
	if err != nil {
		return nil, nil, err
	}

	var relationships []types.Relationship
	var logEntries []types.ConsolidationLogEntry

	for _, candidate := range candidates {
		rel, ok := e.relate(facts, entry, candidate)
		if !ok {
			continue
		}
		relationships = append(relationships, rel)

		if rel.Type == types.RelationContradicts && rel.Confidence >= contradictionConfidence {
			logEntry, err := e.supersede(ctx, candidate, entry, rel.Confidence)
			if err != nil {
				e.logger.Warn("supersession failed", zap.Error(err), zap.String("loser", candidate.ID))
				continue
			}
			logEntries = append(logEntries, logEntry)
		}
	}

	clusterEntry, err := e.consolidateElaboratesCluster(ctx, entry, relationships)
	if err != nil {
		e.logger.Warn("cluster consolidation failed", zap.Error(err))
	} else if clusterEntry != nil {
		logEntries = append(logEntries, *clusterEntry)
	}

	return relationships, logEntries, nil
}

func (e *Engine) recentCandidates(ctx context.Context, entry types.MemoryEntry) ([]types.MemoryEntry, error) {
	all, err := e.store.ActiveByUser(ctx, entry.UserID, types.OrderByCreatedAtDesc, 0)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-e.cfg.CandidateWindow)
	out := make([]types.MemoryEntry, 0, len(all))
	for _, m := range all {
		if m.ID == entry.ID || m.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if e.cfg.MaxCandidates > 0 && len(out) > e.cfg.MaxCandidates {
		out = out[:e.cfg.MaxCandidates]
	}
	return out, nil
}

// relate applies the layered rule: explicit contradiction > keyword
// overlap support > temporal proximity sequencing > category-match
// elaboration.
func (e *Engine) relate(facts []types.AtomicFact, entry, candidate types.MemoryEntry) (types.Relationship, bool) {
	candidateFacts := ExtractAtomicFacts(candidate.ID, candidate.Content)

	if contradicts(facts, candidateFacts) {
		return types.Relationship{
			FromID: candidate.ID, ToID: entry.ID,
			Type: types.RelationContradicts, Confidence: 0.85, CreatedAt: time.Now(),
		}, true
	}

	overlap := keywordOverlap(entry.Keywords, candidate.Keywords)
	if overlap >= keywordOverlapSupport {
		return types.Relationship{
			FromID: candidate.ID, ToID: entry.ID,
			Type: types.RelationSupports, Confidence: overlap, CreatedAt: time.Now(),
		}, true
	}

	if entry.CreatedAt.Sub(candidate.CreatedAt).Abs() < temporalProximity {
		return types.Relationship{
			FromID: candidate.ID, ToID: entry.ID,
			Type: types.RelationTemporalSequence, Confidence: 0.5, CreatedAt: time.Now(),
		}, true
	}

	if entry.Category == candidate.Category && entry.Category != "" {
		return types.Relationship{
			FromID: candidate.ID, ToID: entry.ID,
			Type: types.RelationElaborates, Confidence: 0.4, CreatedAt: time.Now(),
		}, true
	}

	return types.Relationship{}, false
}

func contradicts(a, b []types.AtomicFact) bool {
	for _, fa := range a {
		opposite, ok := contradictionPairs[fa.Pattern]
		if !ok {
			continue
		}
		for _, fb := range b {
			if fb.Pattern == opposite {
				return true
			}
		}
	}
	return false
}

func keywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, w := range b {
		set[strings.ToLower(w)] = struct{}{}
	}
	matched := 0
	for _, w := range a {
		if _, ok := set[strings.ToLower(w)]; ok {
			matched++
		}
	}
	union := len(a) + len(b) - matched
	if union == 0 {
		return 0
	}
	return float64(matched) / float64(union)
}

// supersede deactivates the older, contradicted memory and logs the
// supersession.
func (e *Engine) supersede(ctx context.Context, loser, winner types.MemoryEntry, confidence float64) (types.ConsolidationLogEntry, error) {
	if err := e.store.Deactivate(ctx, loser.ID); err != nil {
		return types.ConsolidationLogEntry{}, fmt.Errorf("deactivate superseded memory: %w", err)
	}

	entry := types.ConsolidationLogEntry{
		ID:         uuid.NewString(),
		Type:       "supersede",
		SourceIDs:  []string{loser.ID},
		ResultID:   winner.ID,
		Reason:     "contradiction detected with higher-confidence memory",
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
	e.logger.Info("memory superseded", zap.String("loser", loser.ID), zap.String("winner", winner.ID))
	return entry, nil
}

// consolidateElaboratesCluster checks whether the elaborates relationships
// discovered for entry form a cluster of size >= elaboratesClusterSize; if
// so, it deactivates the source memories and logs the consolidation. The
// new entry is treated as the canonical survivor.
func (e *Engine) consolidateElaboratesCluster(ctx context.Context, entry types.MemoryEntry, relationships []types.Relationship) (*types.ConsolidationLogEntry, error) {
	var sourceIDs []string
	for _, rel := range relationships {
		if rel.Type == types.RelationElaborates {
			sourceIDs = append(sourceIDs, rel.FromID)
		}
	}
	if len(sourceIDs) < elaboratesClusterSize {
		return nil, nil
	}

	for _, id := range sourceIDs {
		if err := e.store.Deactivate(ctx, id); err != nil {
			return nil, fmt.Errorf("deactivate consolidated source %s: %w", id, err)
		}
	}

	logEntry := types.ConsolidationLogEntry{
		ID:         uuid.NewString(),
		Type:       "consolidate",
		SourceIDs:  sourceIDs,
		ResultID:   entry.ID,
		Reason:     "elaborates cluster consolidated into canonical memory",
		Confidence: 0.6,
		CreatedAt:  time.Now(),
	}
	e.logger.Info("cluster consolidated", zap.Int("sources", len(sourceIDs)), zap.String("result", entry.ID))
	return &logEntry, nil
}
