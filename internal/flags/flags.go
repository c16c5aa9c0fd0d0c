// Package flags implements percentage-based feature rollout. Loading (YAML
// defaults overridden by GATEWAY_FLAGS_* environment variables) is handled
// once by config.Loader, following the teacher's reflection-driven
// config/loader.go pattern; this package only turns the loaded percentages
// into rollout decisions, so it deliberately does not duplicate that
// loading machinery.
package flags

import (
	"github.com/stephabauva/wellness-gateway/internal/config"
)

// Name identifies one of the five rollout-controlled flags.
type Name string

const (
	AdvancedMemory    Name = "advanced_memory"
	RealTimeDedup     Name = "real_time_dedup"
	EnhancedPrompts   Name = "enhanced_prompts"
	BatchProcessing   Name = "batch_processing"
	CircuitBreakers   Name = "circuit_breakers"
)

// Flags holds a rollout percentage (0-100) per flag. The zero value
// disables everything.
type Flags struct {
	AdvancedMemory  int
	RealTimeDedup   int
	EnhancedPrompts int
	BatchProcessing int
	CircuitBreakers int
}

// Default returns all flags fully rolled out (100 percent), the baseline
// used when no configuration overrides it.
func Default() Flags {
	return Flags{
		AdvancedMemory:  100,
		RealTimeDedup:   100,
		EnhancedPrompts: 100,
		BatchProcessing: 100,
		CircuitBreakers: 100,
	}
}

// FromConfig builds Flags from the percentages config.Loader already
// resolved onto config.FlagsConfig.
func FromConfig(fc config.FlagsConfig) Flags {
	return Flags{
		AdvancedMemory:  fc.AdvancedMemoryPercent,
		RealTimeDedup:   fc.RealtimeDedupPercent,
		EnhancedPrompts: fc.EnhancedPromptsPercent,
		BatchProcessing: fc.BatchProcessingPercent,
		CircuitBreakers: fc.CircuitBreakersPercent,
	}
}

// percentage returns the rollout percentage for a flag name.
func (f Flags) percentage(name Name) int {
	switch name {
	case AdvancedMemory:
		return f.AdvancedMemory
	case RealTimeDedup:
		return f.RealTimeDedup
	case EnhancedPrompts:
		return f.EnhancedPrompts
	case BatchProcessing:
		return f.BatchProcessing
	case CircuitBreakers:
		return f.CircuitBreakers
	default:
		return 0
	}
}

// Enabled reports whether userID falls within this flag's rollout
// percentage, deterministically: userId mod 100 < percentage.
func (f Flags) Enabled(name Name, userID int64) bool {
	pct := f.percentage(name)
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	bucket := userID % 100
	if bucket < 0 {
		bucket += 100
	}
	return bucket < int64(pct)
}

// FullEnhancement is the composite predicate requiring advanced memory,
// enhanced prompts, and real-time deduplication all be enabled for the
// user.
func (f Flags) FullEnhancement(userID int64) bool {
	return f.Enabled(AdvancedMemory, userID) &&
		f.Enabled(EnhancedPrompts, userID) &&
		f.Enabled(RealTimeDedup, userID)
}

// Snapshot captures the flags read at request start; callers read it
// once per request so changes only take effect on subsequent requests.
type Snapshot struct {
	flags  Flags
	userID int64
}

func NewSnapshot(f Flags, userID int64) Snapshot {
	return Snapshot{flags: f, userID: userID}
}

func (s Snapshot) AdvancedMemoryEnabled() bool  { return s.flags.Enabled(AdvancedMemory, s.userID) }
func (s Snapshot) RealTimeDedupEnabled() bool   { return s.flags.Enabled(RealTimeDedup, s.userID) }
func (s Snapshot) EnhancedPromptsEnabled() bool { return s.flags.Enabled(EnhancedPrompts, s.userID) }
func (s Snapshot) BatchProcessingEnabled() bool { return s.flags.Enabled(BatchProcessing, s.userID) }
func (s Snapshot) CircuitBreakersEnabled() bool { return s.flags.Enabled(CircuitBreakers, s.userID) }
func (s Snapshot) FullEnhancement() bool        { return s.flags.FullEnhancement(s.userID) }
