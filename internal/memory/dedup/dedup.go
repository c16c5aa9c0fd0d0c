// Package dedup decides, for a candidate memory, whether to skip, update,
// create, or defer to the relationship engine's merge path, generalizing
// the teacher's exact-key idempotency manager (llm/idempotency.Manager:
// SHA256 keys, memory/Redis-backed storage, background cleanup) from
// exact-match caching to the similarity-banded decision this pipeline
// needs.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"go.uber.org/zap"
)

const (
	skipThreshold   = 0.85
	updateThreshold = 0.70
)

// Config bounds the recent-memory candidate window.
type Config struct {
	Horizon       time.Duration
	MaxCandidates int
	DecisionTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{Horizon: 48 * time.Hour, MaxCandidates: 20, DecisionTTL: 10 * time.Minute}
}

// Deduplicator implements spec §4.9: semantic-hash short-circuit, then a
// bounded similarity scan against the user's recent memories.
type Deduplicator struct {
	cfg    Config
	store  types.Store
	logger *zap.Logger

	userLocks sync.Map // map[int64]*sync.Mutex, serializes writers per user

	decisionsMu sync.Mutex
	decisions   map[string]decisionCacheEntry // key: userID + ":" + semanticHash
}

type decisionCacheEntry struct {
	result    types.DedupResult
	expiresAt time.Time
}

func New(cfg Config, store types.Store, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		cfg:       cfg,
		store:     store,
		logger:    logger.With(zap.String("component", "memory.dedup")),
		decisions: make(map[string]decisionCacheEntry),
	}
}

// SemanticHash computes a stable hash from the leading dimensions of an
// embedding, or falls back to a content hash when no embedding is
// available (spec §9 "Embeddings are optional").
func SemanticHash(content string, embedding []float32) string {
	if len(embedding) == 0 {
		sum := sha256.Sum256([]byte(normalize(content)))
		return hex.EncodeToString(sum[:8])
	}

	leading := embedding
	if len(leading) > 16 {
		leading = leading[:16]
	}
	var b strings.Builder
	for _, v := range leading {
		b.WriteByte(byte(int32(v*1000) & 0xff))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Decide runs the full algorithm for one candidate memory of one user,
// serializing concurrent submissions from the same user so the first
// writer wins (spec §4.9 invariant).
func (d *Deduplicator) Decide(ctx context.Context, userID int64, content string, embedding []float32, importance float64, keywords []string) (types.DedupResult, error) {
	lock := d.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	hash := SemanticHash(content, embedding)

	if cached, ok := d.cachedDecision(userID, hash); ok {
		return cached, nil
	}

	if existing, found, err := d.store.FindBySemanticHash(ctx, userID, hash); err != nil {
		return types.DedupResult{}, err
	} else if found {
		result := types.DedupResult{Decision: types.DecisionSkip, Confidence: 1.0, Reason: "exact semantic hash match", EntryID: existing.ID}
		d.cacheDecision(userID, hash, result)
		return result, nil
	}

	candidates, err := d.recentCandidates(ctx, userID)
	if err != nil {
		return types.DedupResult{}, err
	}

	best, bestScore := findMostSimilar(content, keywords, candidates)

	var result types.DedupResult
	switch {
	case best != nil && bestScore >= skipThreshold:
		result = types.DedupResult{Decision: types.DecisionSkip, Confidence: bestScore, Reason: "near-duplicate of existing memory", EntryID: best.ID}
	case best != nil && bestScore >= updateThreshold:
		result = types.DedupResult{Decision: types.DecisionUpdate, Confidence: bestScore, Reason: "similar enough to update existing memory", EntryID: best.ID}
	default:
		result = types.DedupResult{Decision: types.DecisionCreate, Confidence: 1 - bestScore, Reason: "no sufficiently similar memory found"}
	}

	d.cacheDecision(userID, hash, result)
	return result, nil
}

func (d *Deduplicator) lockFor(userID int64) *sync.Mutex {
	actual, _ := d.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (d *Deduplicator) cachedDecision(userID int64, hash string) (types.DedupResult, bool) {
	d.decisionsMu.Lock()
	defer d.decisionsMu.Unlock()

	key := cacheKey(userID, hash)
	entry, ok := d.decisions[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return types.DedupResult{}, false
	}
	return entry.result, true
}

func (d *Deduplicator) cacheDecision(userID int64, hash string, result types.DedupResult) {
	d.decisionsMu.Lock()
	defer d.decisionsMu.Unlock()

	ttl := d.cfg.DecisionTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	d.decisions[cacheKey(userID, hash)] = decisionCacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

func cacheKey(userID int64, hash string) string {
	var b strings.Builder
	b.WriteString(hex.EncodeToString([]byte{
		byte(userID), byte(userID >> 8), byte(userID >> 16), byte(userID >> 24),
		byte(userID >> 32), byte(userID >> 40), byte(userID >> 48), byte(userID >> 56),
	}))
	b.WriteByte(':')
	b.WriteString(hash)
	return b.String()
}

func (d *Deduplicator) recentCandidates(ctx context.Context, userID int64) ([]types.MemoryEntry, error) {
	all, err := d.store.ActiveByUser(ctx, userID, types.OrderByCreatedAtDesc, 0)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-d.cfg.Horizon)
	candidates := make([]types.MemoryEntry, 0, len(all))
	for _, m := range all {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, m)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	if d.cfg.MaxCandidates > 0 && len(candidates) > d.cfg.MaxCandidates {
		candidates = candidates[:d.cfg.MaxCandidates]
	}
	return candidates, nil
}

// findMostSimilar scores the candidate text against each recent memory
// using Jaccard overlap of normalized word sets — a fast, dependency-free
// similarity proxy matching spec §4.9's "fast similarity score" without
// requiring an embedding to be present.
func findMostSimilar(content string, keywords []string, candidates []types.MemoryEntry) (*types.MemoryEntry, float64) {
	target := wordSet(content, keywords)
	if len(target) == 0 {
		return nil, 0
	}

	var best *types.MemoryEntry
	var bestScore float64
	for i := range candidates {
		score := jaccard(target, wordSet(candidates[i].Content, candidates[i].Keywords))
		if score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}
	return best, bestScore
}

func wordSet(content string, keywords []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	for _, k := range keywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
