package dedup

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
)

// TestSemanticHashIsDeterministicProperty checks that SemanticHash is a
// pure function of its inputs: the same content and embedding always
// produce the same hash, for any content string and embedding vector.
func TestSemanticHashIsDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated calls with the same inputs agree", prop.ForAll(
		func(content string, embedding64 []float64) bool {
			embedding := make([]float32, len(embedding64))
			for i, v := range embedding64 {
				embedding[i] = float32(v)
			}
			first := SemanticHash(content, embedding)
			for i := 0; i < 3; i++ {
				if SemanticHash(content, embedding) != first {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.SliceOf(gen.Float64Range(-1, 1)),
	))

	properties.TestingRun(t)
}

// TestDecideIsIdempotentOnStoredContentProperty checks spec §4.9's
// exact-match short-circuit: once a memory with a given semantic hash is
// stored, deciding on the same content again always yields Skip against
// that entry, for any content/importance/keyword combination.
func TestDecideIsIdempotentOnStoredContentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("re-deciding identical content is always a skip", prop.ForAll(
		func(content string, importance float64, keyword string) bool {
			if content == "" {
				return true // empty content degenerates the hash, not under test
			}
			store := newFakeStore()
			d := New(DefaultConfig(), store, nil)

			hash := SemanticHash(content, nil)
			stored := &types.MemoryEntry{ID: "entry-1", UserID: 1, Content: content, SemanticHash: hash, Active: true}
			if err := store.Upsert(context.Background(), stored); err != nil {
				return false
			}

			result, err := d.Decide(context.Background(), 1, content, nil, importance, []string{keyword})
			if err != nil {
				return false
			}
			return result.Decision == types.DecisionSkip && result.EntryID == "entry-1"
		},
		gen.AlphaString(),
		gen.Float64Range(0, 1),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
