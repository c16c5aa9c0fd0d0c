// Package retrieval ranks a user's memories against a query and
// conversational context through a four-stage pipeline: query expansion,
// multi-vector scoring, contextual re-rank, and diversity filtering.
// Scoring primitives (cosine similarity, min-max normalization, term
// tokenization) are adapted from the teacher's hybrid BM25+vector
// retriever (llm/retrieval/hybrid_retrieval.go), generalized from
// document retrieval to memory retrieval with temporal decay, contextual
// boosts, and a category-capped diversity filter the teacher doesn't
// need.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"go.uber.org/zap"
)

const (
	semanticFloorBase = 0.70
	boostCoachingMode  = 0.15
	boostRecentTopic   = 0.20
	boostIntent        = 0.25
	boostImmediate     = 0.10

	longSessionTurns = 20
)

var categoryCaps = map[types.Category]float64{
	types.CategoryPreference:   0.30,
	types.CategoryPersonalInfo: 0.20,
	types.CategoryContext:      0.30,
	types.CategoryInstruction:  0.20,
}

// synonymTable is a small fixed dictionary used for query expansion; the
// teacher's own retriever has no embedding-based expansion step, so this
// follows its "simplified, good-enough" tokenization philosophy rather
// than reaching for an NLP library absent from the pack.
var synonymTable = map[string][]string{
	"workout":  {"exercise", "training"},
	"run":      {"jog", "running"},
	"diet":     {"nutrition", "eating"},
	"sleep":    {"rest"},
	"stress":   {"anxiety", "tension"},
	"goal":     {"target", "aim"},
	"injury":   {"pain", "hurt"},
}

// Retriever runs the ranking pipeline over a memory store.
type Retriever struct {
	store  types.Store
	logger *zap.Logger

	thresholdMu sync.Mutex
	thresholds  map[string]thresholdCacheEntry

	expansionMu sync.Mutex
	expansions  map[string]expansionCacheEntry
}

type thresholdCacheEntry struct {
	value     float64
	expiresAt time.Time
}

type expansionCacheEntry struct {
	value     types.QueryExpansion
	expiresAt time.Time
}

const cacheTTL = 5 * time.Minute

func New(store types.Store, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		store:      store,
		logger:     logger.With(zap.String("component", "memory.retrieval")),
		thresholds: make(map[string]thresholdCacheEntry),
		expansions: make(map[string]expansionCacheEntry),
	}
}

// Retrieve runs the full four-stage pipeline and returns up to maxResults
// ranked memories for the user.
func (r *Retriever) Retrieve(ctx context.Context, userID int64, query string, convCtx types.ConversationContext, maxResults int) ([]types.RetrievedMemory, error) {
	entries, err := r.store.ActiveByUser(ctx, userID, types.OrderByImportanceDesc, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	expansion := r.expandQuery(query)
	floor := r.adaptiveThreshold(query, expansion, convCtx)

	scored := make([]types.RetrievedMemory, 0, len(entries))
	for _, entry := range entries {
		semantic := semanticScore(entry, expansion)
		if semantic < floor {
			continue
		}
		scored = append(scored, r.scoreMemory(ctx, entry, semantic, convCtx))
	}

	r.rerank(scored, convCtx)

	sort.Slice(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })

	return r.applyDiversityFilter(scored, maxResults), nil
}

// expandQuery computes expanded terms, synonyms, and a coarse semantic
// cluster label, cached briefly by raw query text.
func (r *Retriever) expandQuery(query string) types.QueryExpansion {
	key := strings.ToLower(strings.TrimSpace(query))

	r.expansionMu.Lock()
	if cached, ok := r.expansions[key]; ok && time.Now().Before(cached.expiresAt) {
		r.expansionMu.Unlock()
		return cached.value
	}
	r.expansionMu.Unlock()

	terms := tokenize(query)
	var synonyms []string
	for _, t := range terms {
		if syns, ok := synonymTable[t]; ok {
			synonyms = append(synonyms, syns...)
		}
	}

	expansion := types.QueryExpansion{
		OriginalQuery:   query,
		ExpandedTerms:   append(append([]string{}, terms...), synonyms...),
		Synonyms:        synonyms,
		RelatedConcepts: terms,
		SemanticCluster: semanticCluster(terms),
	}

	r.expansionMu.Lock()
	r.expansions[key] = expansionCacheEntry{value: expansion, expiresAt: time.Now().Add(cacheTTL)}
	r.expansionMu.Unlock()

	return expansion
}

func semanticCluster(terms []string) string {
	if len(terms) == 0 {
		return "general"
	}
	return terms[0]
}

// adaptiveThreshold shifts the semantic floor by query specificity and
// session length, cached briefly by (query, mode, intent, long-session).
func (r *Retriever) adaptiveThreshold(query string, expansion types.QueryExpansion, convCtx types.ConversationContext) float64 {
	key := strings.ToLower(query) + "|" + convCtx.CoachingMode + "|" + convCtx.Intent
	if convCtx.SessionLength >= longSessionTurns {
		key += "|long"
	}

	r.thresholdMu.Lock()
	if cached, ok := r.thresholds[key]; ok && time.Now().Before(cached.expiresAt) {
		r.thresholdMu.Unlock()
		return cached.value
	}
	r.thresholdMu.Unlock()

	floor := semanticFloorBase
	wordCount := len(tokenize(query))
	switch {
	case wordCount <= 2:
		floor -= 0.10
	case wordCount >= 6 || len(expansion.ExpandedTerms) >= 8:
		floor += 0.10
	}
	if convCtx.SessionLength >= longSessionTurns {
		floor += 0.10
	}
	if floor < 0 {
		floor = 0
	}
	if floor > 1 {
		floor = 1
	}

	r.thresholdMu.Lock()
	r.thresholds[key] = thresholdCacheEntry{value: floor, expiresAt: time.Now().Add(cacheTTL)}
	r.thresholdMu.Unlock()

	return floor
}

// scoreMemory computes the four component scores and combines them with
// weights adapted to the conversation's temporal bucket and session
// length.
func (r *Retriever) scoreMemory(ctx context.Context, entry types.MemoryEntry, semantic float64, convCtx types.ConversationContext) types.RetrievedMemory {
	temporal := temporalScore(entry, convCtx.Temporal)
	contextual := contextualScore(entry, convCtx)
	graph := r.graphScore(ctx, entry)

	wSemantic, wTemporal, wContextual, wGraph := adaptiveWeights(convCtx)

	relevance := semantic*wSemantic + temporal*wTemporal + contextual*wContextual + graph*wGraph

	var reasons []string
	if semantic > 0.3 {
		reasons = append(reasons, "semantic_match")
	}
	if temporal > 0.6 {
		reasons = append(reasons, "recent")
	}
	if contextual > 0.3 {
		reasons = append(reasons, "contextual_match")
	}
	if graph > 0.3 {
		reasons = append(reasons, "graph_linked")
	}

	return types.RetrievedMemory{
		Entry:           entry,
		Relevance:       relevance,
		Confidence:      semantic,
		RetrievalReason: reasons,
		TemporalWeight:  temporal,
		ContextualBoost: 0,
	}
}

func adaptiveWeights(convCtx types.ConversationContext) (semantic, temporal, contextual, graph float64) {
	semantic, temporal, contextual, graph = 0.40, 0.25, 0.25, 0.10
	switch convCtx.Temporal {
	case types.TemporalImmediate:
		temporal += 0.15
		semantic -= 0.10
		contextual -= 0.05
	case types.TemporalDistant:
		contextual += 0.10
		temporal -= 0.10
	}
	if convCtx.SessionLength >= longSessionTurns {
		contextual += 0.10
		semantic -= 0.10
	}
	return
}

// semanticScore measures textual overlap against the expanded query.
// Core-term recall is square-root scaled so that matching roughly half
// the query's own words already clears a reasonable bar — a short query
// rarely appears verbatim in a memory's content, so a linear ratio would
// punish partial-but-real matches too harshly. Synonym hits add a
// smaller bonus on top.
func semanticScore(entry types.MemoryEntry, expansion types.QueryExpansion) float64 {
	if len(expansion.RelatedConcepts) == 0 {
		return 0
	}

	contentTerms := tokenize(entry.Content)
	set := make(map[string]struct{}, len(contentTerms)+len(entry.Keywords))
	for _, t := range contentTerms {
		set[t] = struct{}{}
	}
	for _, k := range entry.Keywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	if len(set) == 0 {
		return 0
	}

	matched := 0
	for _, t := range expansion.RelatedConcepts {
		if _, ok := set[t]; ok {
			matched++
		}
	}
	coreRatio := float64(matched) / float64(len(expansion.RelatedConcepts))

	synonymBonus := 0.0
	if len(expansion.Synonyms) > 0 {
		synonymMatched := 0
		for _, s := range expansion.Synonyms {
			if _, ok := set[s]; ok {
				synonymMatched++
			}
		}
		synonymBonus = 0.15 * float64(synonymMatched) / float64(len(expansion.Synonyms))
	}

	score := math.Sqrt(coreRatio) + synonymBonus
	if score > 1 {
		score = 1
	}
	return score
}

// temporalScore applies exponential decay on age, with a rate adapted to
// the conversation's temporal bucket.
func temporalScore(entry types.MemoryEntry, bucket types.TemporalBucket) float64 {
	age := time.Since(entry.CreatedAt).Hours() / 24
	if age < 0 {
		age = 0
	}

	rate := 0.05
	switch bucket {
	case types.TemporalImmediate:
		rate = 0.15
	case types.TemporalDistant:
		rate = 0.02
	}
	return math.Exp(-rate * age)
}

func contextualScore(entry types.MemoryEntry, convCtx types.ConversationContext) float64 {
	score := 0.0
	contentLower := strings.ToLower(entry.Content)

	if convCtx.CoachingMode != "" && strings.Contains(contentLower, strings.ToLower(convCtx.CoachingMode)) {
		score += 0.4
	}
	for _, topic := range convCtx.RecentTopics {
		if topic != "" && strings.Contains(contentLower, strings.ToLower(topic)) {
			score += 0.3
			break
		}
	}
	if convCtx.Intent != "" && strings.Contains(contentLower, strings.ToLower(convCtx.Intent)) {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

// graphScore weighs the memory's persisted relationship edges: supporting
// and elaborating edges raise the score, a temporal-sequence edge raises
// it more weakly, and a contradicting edge lowers it. A memory with no
// recorded edges scores zero rather than falling back to an unrelated
// proxy signal.
func (r *Retriever) graphScore(ctx context.Context, entry types.MemoryEntry) float64 {
	rels, err := r.store.RelationshipsInvolving(ctx, entry.ID)
	if err != nil || len(rels) == 0 {
		return 0
	}

	var weighted float64
	for _, rel := range rels {
		switch rel.Type {
		case types.RelationSupports, types.RelationElaborates:
			weighted += rel.Confidence
		case types.RelationTemporalSequence:
			weighted += rel.Confidence * 0.5
		case types.RelationContradicts:
			weighted -= rel.Confidence
		}
	}

	score := weighted / float64(len(rels))
	switch {
	case score > 1:
		score = 1
	case score < -1:
		score = -1
	}
	return score
}

// rerank applies the multiplicative contextual boosts in place.
func (r *Retriever) rerank(memories []types.RetrievedMemory, convCtx types.ConversationContext) {
	for i := range memories {
		entry := memories[i].Entry
		contentLower := strings.ToLower(entry.Content)
		boost := 0.0

		if convCtx.CoachingMode != "" && strings.Contains(contentLower, strings.ToLower(convCtx.CoachingMode)) {
			boost += boostCoachingMode
		}
		for _, topic := range convCtx.RecentTopics {
			if topic != "" && strings.Contains(contentLower, strings.ToLower(topic)) {
				boost += boostRecentTopic
				break
			}
		}
		if convCtx.Intent != "" && strings.Contains(contentLower, strings.ToLower(convCtx.Intent)) {
			boost += boostIntent
		}
		if convCtx.Temporal == types.TemporalImmediate {
			boost += boostImmediate
		}

		memories[i].ContextualBoost = boost
		memories[i].Relevance *= 1 + boost
	}
}

// applyDiversityFilter enforces per-category caps and drops near-identical
// content via a shingling hash, attaching a diversity score to survivors.
func (r *Retriever) applyDiversityFilter(candidates []types.RetrievedMemory, maxResults int) []types.RetrievedMemory {
	if maxResults <= 0 {
		maxResults = len(candidates)
	}

	seenShingles := make(map[string]bool)
	categoryCounts := make(map[types.Category]int)
	out := make([]types.RetrievedMemory, 0, maxResults)

	for _, candidate := range candidates {
		if len(out) >= maxResults {
			break
		}

		shingle := shingleHash(candidate.Entry.Content)
		if seenShingles[shingle] {
			continue
		}

		capRatio := categoryCaps[candidate.Entry.Category]
		if capRatio > 0 {
			allowed := int(math.Ceil(capRatio * float64(maxResults)))
			if categoryCounts[candidate.Entry.Category] >= allowed {
				continue
			}
		}

		seenShingles[shingle] = true
		categoryCounts[candidate.Entry.Category]++

		candidate.DiversityScore = 1.0 - float64(categoryCounts[candidate.Entry.Category]-1)/float64(maxResults)
		out = append(out, candidate)
	}

	return out
}

// shingleHash builds a coarse content fingerprint from 3-word shingles so
// that near-identical memories collapse to the same hash.
func shingleHash(content string) string {
	terms := tokenize(content)
	if len(terms) == 0 {
		return ""
	}

	const shingleSize = 3
	var shingles []string
	if len(terms) < shingleSize {
		shingles = []string{strings.Join(terms, " ")}
	} else {
		for i := 0; i+shingleSize <= len(terms); i++ {
			shingles = append(shingles, strings.Join(terms[i:i+shingleSize], " "))
		}
	}
	sort.Strings(shingles)

	sum := sha256.Sum256([]byte(strings.Join(shingles, "|")))
	return hex.EncodeToString(sum[:8])
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
