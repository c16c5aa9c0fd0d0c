// Package extractor turns a user message and its conversational context
// into an EnhancedMemoryDetection verdict: should this be remembered, and
// if so, under what category, with what atomic facts and relationship
// hints. Explicit "remember that X" phrasing short-circuits straight to a
// high-importance instruction memory; everything else goes through the
// configured inference model, whose JSON verdict is repaired defensively
// before being parsed, mirroring the teacher's code-fence-stripping parser
// idiom (ai/model/chat/parser.go) generalized with gjson path lookups.
package extractor

import (
	"context"
	"regexp"
	"strings"

	"github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// explicitTriggers are fixed prompts that short-circuit straight to a
// shouldRemember=true, category=instruction verdict.
var explicitTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)remember that\s+(.+)`),
	regexp.MustCompile(`(?i)don'?t forget\s+(?:that\s+)?(.+)`),
	regexp.MustCompile(`(?i)save this[:\s]*(.*)`),
	regexp.MustCompile(`(?i)note that\s+(.+)`),
}

const explicitTriggerImportance = 0.9

// Inferencer is the minimal model-call contract the extractor needs: a
// single prompt/completion round trip. Satisfied by provider.Provider.Chat
// via a thin adapter at the call site.
type Inferencer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config bounds the inference prompt's context window.
type Config struct {
	MaxRecentTopics   int
	MaxExistingMemories int
}

func DefaultConfig() Config {
	return Config{MaxRecentTopics: 5, MaxExistingMemories: 5}
}

// Extractor detects and classifies memory-worthy content in a user message.
type Extractor struct {
	cfg    Config
	model  Inferencer
	logger *zap.Logger
}

func New(cfg Config, model Inferencer, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, model: model, logger: logger.With(zap.String("component", "memory.extractor"))}
}

// Input bundles the message and the conversational context the inference
// prompt needs for contradiction hints and tone.
type Input struct {
	Message          string
	RecentTopics     []string
	CoachingMode     string
	ExistingMemories []types.MemoryEntry
}

// Detect runs the two-stage algorithm: explicit-trigger check, then
// (if no trigger matched) model inference with robust JSON parsing.
func (e *Extractor) Detect(ctx context.Context, in Input) (types.EnhancedMemoryDetection, error) {
	if verdict, ok := detectExplicitTrigger(in.Message); ok {
		return verdict, nil
	}

	prompt := e.buildPrompt(in)
	raw, err := e.model.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("inference call failed, defaulting to no-remember", zap.Error(err))
		return conservativeDefault(), nil
	}

	verdict, ok := parseVerdict(raw)
	if !ok {
		e.logger.Warn("verdict JSON unparseable after repair, using conservative default", zap.String("raw", raw))
		return conservativeDefault(), nil
	}
	return verdict, nil
}

func detectExplicitTrigger(message string) (types.EnhancedMemoryDetection, bool) {
	for _, re := range explicitTriggers {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		extracted := strings.TrimSpace(message)
		if len(m) > 1 && strings.TrimSpace(m[1]) != "" {
			extracted = strings.TrimSpace(m[1])
		}
		return types.EnhancedMemoryDetection{
			ShouldRemember: true,
			Category:       types.CategoryInstruction,
			Importance:     explicitTriggerImportance,
			ExtractedInfo:  extracted,
			Keywords:       keywordsFrom(extracted),
			Reasoning:      "explicit remember-this trigger matched",
			Confidence:     1.0,
		}, true
	}
	return types.EnhancedMemoryDetection{}, false
}

func conservativeDefault() types.EnhancedMemoryDetection {
	return types.EnhancedMemoryDetection{ShouldRemember: false, Confidence: 0}
}

func (e *Extractor) buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Decide whether the following user message should be remembered as a durable fact.\n")
	b.WriteString("Coaching mode: " + in.CoachingMode + "\n")
	if len(in.RecentTopics) > 0 {
		topics := in.RecentTopics
		if len(topics) > e.cfg.MaxRecentTopics {
			topics = topics[len(topics)-e.cfg.MaxRecentTopics:]
		}
		b.WriteString("Recent topics: " + strings.Join(topics, ", ") + "\n")
	}
	if len(in.ExistingMemories) > 0 {
		b.WriteString("Existing memories (for contradiction hints):\n")
		n := len(in.ExistingMemories)
		if n > e.cfg.MaxExistingMemories {
			n = e.cfg.MaxExistingMemories
		}
		for _, m := range in.ExistingMemories[:n] {
			b.WriteString("- " + m.Content + "\n")
		}
	}
	b.WriteString("User message: " + in.Message + "\n")
	b.WriteString(`Respond with a single raw JSON object: {"shouldRemember":bool,"category":string,"importance":number,"extractedInfo":string,"keywords":[string],"reasoning":string,"confidence":number,"atomicFacts":[string],"relationshipHints":[string],"contradictionFlag":bool,"temporalRelevance":string}`)
	return b.String()
}

// parseVerdict repairs common LLM JSON mistakes (code fences, leading/
// trailing prose, trailing commas) before reading fields out with gjson,
// which tolerates minor residual malformation better than encoding/json.
func parseVerdict(raw string) (types.EnhancedMemoryDetection, bool) {
	repaired, ok := repairJSON(raw)
	if !ok {
		return types.EnhancedMemoryDetection{}, false
	}
	if !gjson.Valid(repaired) {
		return types.EnhancedMemoryDetection{}, false
	}
	repaired = normalizeImportance(repaired)

	result := gjson.Parse(repaired)
	verdict := types.EnhancedMemoryDetection{
		ShouldRemember:    result.Get("shouldRemember").Bool(),
		Category:          types.Category(result.Get("category").String()),
		Importance:        result.Get("importance").Float(),
		ExtractedInfo:     result.Get("extractedInfo").String(),
		Reasoning:         result.Get("reasoning").String(),
		Confidence:        result.Get("confidence").Float(),
		ContradictionFlag: result.Get("contradictionFlag").Bool(),
		TemporalRelevance: result.Get("temporalRelevance").String(),
	}
	result.Get("keywords").ForEach(func(_, v gjson.Result) bool {
		verdict.Keywords = append(verdict.Keywords, v.String())
		return true
	})
	result.Get("atomicFacts").ForEach(func(_, v gjson.Result) bool {
		verdict.AtomicFacts = append(verdict.AtomicFacts, v.String())
		return true
	})
	result.Get("relationshipHints").ForEach(func(_, v gjson.Result) bool {
		verdict.RelationshipHints = append(verdict.RelationshipHints, v.String())
		return true
	})

	if verdict.Category == "" {
		verdict.Category = types.CategoryContext
	}
	return verdict, true
}

// repairJSON strips markdown code fences, locates the outermost balanced
// brace pair, and removes trailing commas before closing braces/brackets.
func repairJSON(raw string) (string, bool) {
	s := stripCodeFence(raw)

	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	end := outermostBraceEnd(s, start)
	if end == -1 {
		return "", false
	}
	s = s[start : end+1]
	s = fixTrailingCommas(s)
	return s, true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		first := strings.TrimSpace(s[:nl])
		if first == "json" || first == "JSON" || first == "" {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func outermostBraceEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func fixTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

var importanceWords = map[string]float64{
	"low": 0.25, "medium": 0.5, "moderate": 0.5, "high": 0.85, "critical": 1.0,
}

// normalizeImportance rewrites a word-valued "importance" field (models
// occasionally answer "high" instead of a 0-1 number) into its numeric
// equivalent with sjson, leaving the rest of the document untouched.
func normalizeImportance(s string) string {
	field := gjson.Get(s, "importance")
	if field.Type != gjson.String {
		return s
	}
	val, ok := importanceWords[strings.ToLower(strings.TrimSpace(field.String()))]
	if !ok {
		return s
	}
	rewritten, err := sjson.Set(s, "importance", val)
	if err != nil {
		return s
	}
	return rewritten
}

func keywordsFrom(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f == "" || len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
