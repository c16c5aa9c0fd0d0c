package extractor

import (
	"context"
	"testing"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	response string
	err      error
}

func (m *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.response, m.err
}

func TestExplicitTriggerShortCircuits(t *testing.T) {
	e := New(DefaultConfig(), &fakeModel{}, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "remember that I'm allergic to peanuts"})
	require.NoError(t, err)
	require.True(t, verdict.ShouldRemember)
	require.Equal(t, types.CategoryInstruction, verdict.Category)
	require.GreaterOrEqual(t, verdict.Importance, 0.9)
	require.Equal(t, "I'm allergic to peanuts", verdict.ExtractedInfo)
}

func TestDontForgetTriggerVariant(t *testing.T) {
	e := New(DefaultConfig(), &fakeModel{}, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "don't forget I have a knee injury"})
	require.NoError(t, err)
	require.True(t, verdict.ShouldRemember)
	require.Equal(t, types.CategoryInstruction, verdict.Category)
}

func TestInferenceParsesCleanJSON(t *testing.T) {
	model := &fakeModel{response: `{"shouldRemember":true,"category":"preference","importance":0.6,"extractedInfo":"likes morning workouts","keywords":["morning","workouts"],"reasoning":"stated preference","confidence":0.8,"atomicFacts":["prefers morning workouts"],"relationshipHints":[],"contradictionFlag":false,"temporalRelevance":"recent"}`}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "I like working out in the morning"})
	require.NoError(t, err)
	require.True(t, verdict.ShouldRemember)
	require.Equal(t, types.CategoryPreference, verdict.Category)
	require.Equal(t, 0.6, verdict.Importance)
	require.Equal(t, []string{"morning", "workouts"}, verdict.Keywords)
}

func TestInferenceStripsCodeFenceAndTrailingComma(t *testing.T) {
	model := &fakeModel{response: "```json\n{\"shouldRemember\":true,\"category\":\"context\",\"importance\":0.5,\"confidence\":0.5,}\n```"}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "heading to the gym now"})
	require.NoError(t, err)
	require.True(t, verdict.ShouldRemember)
	require.Equal(t, types.CategoryContext, verdict.Category)
}

func TestInferenceIgnoresSurroundingProseAndPicksOutermostBraces(t *testing.T) {
	model := &fakeModel{response: `Sure thing! Here is the verdict: {"shouldRemember":false,"confidence":0.1} Hope that helps.`}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "what's the weather like"})
	require.NoError(t, err)
	require.False(t, verdict.ShouldRemember)
}

func TestInferenceFailureFallsBackToConservativeDefault(t *testing.T) {
	model := &fakeModel{response: "not json at all, no braces here"}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "random chit-chat"})
	require.NoError(t, err)
	require.False(t, verdict.ShouldRemember)
	require.Zero(t, verdict.Confidence)
}

func TestModelErrorFallsBackToConservativeDefault(t *testing.T) {
	model := &fakeModel{err: context.DeadlineExceeded}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "anything"})
	require.NoError(t, err)
	require.False(t, verdict.ShouldRemember)
}

func TestDetectExplicitTriggerSaveThis(t *testing.T) {
	verdict, ok := detectExplicitTrigger("save this: I want to run a marathon next year")
	require.True(t, ok)
	require.Equal(t, "I want to run a marathon next year", verdict.ExtractedInfo)
}

func TestRepairJSONHandlesNestedBraces(t *testing.T) {
	repaired, ok := repairJSON(`{"a":{"b":1},"c":[1,2,],}`)
	require.True(t, ok)
	require.Contains(t, repaired, `"a":{"b":1}`)
}

func TestInferenceNormalizesWordValuedImportance(t *testing.T) {
	model := &fakeModel{response: `{"shouldRemember":true,"category":"preference","importance":"high","confidence":0.7}`}
	e := New(DefaultConfig(), model, nil)

	verdict, err := e.Detect(context.Background(), Input{Message: "I really need to stick to my sleep schedule"})
	require.NoError(t, err)
	require.Equal(t, 0.85, verdict.Importance)
}

func TestNormalizeImportanceLeavesNumericValueUntouched(t *testing.T) {
	out := normalizeImportance(`{"importance":0.6}`)
	require.JSONEq(t, `{"importance":0.6}`, out)
}
