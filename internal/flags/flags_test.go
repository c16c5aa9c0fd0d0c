package flags

import (
	"testing"

	"github.com/stephabauva/wellness-gateway/internal/config"
	"github.com/stretchr/testify/require"
)

func TestEnabledRespectsRolloutPercentage(t *testing.T) {
	f := Flags{AdvancedMemory: 50}
	// userID mod 100 < 50 -> included
	require.True(t, f.Enabled(AdvancedMemory, 10))
	require.True(t, f.Enabled(AdvancedMemory, 49))
	require.False(t, f.Enabled(AdvancedMemory, 50))
	require.False(t, f.Enabled(AdvancedMemory, 99))
}

func TestEnabledZeroPercentAlwaysExcludes(t *testing.T) {
	f := Flags{AdvancedMemory: 0}
	require.False(t, f.Enabled(AdvancedMemory, 1))
}

func TestEnabledHundredPercentAlwaysIncludes(t *testing.T) {
	f := Flags{AdvancedMemory: 100}
	require.True(t, f.Enabled(AdvancedMemory, 99999))
}

func TestEnabledIsDeterministicAcrossCalls(t *testing.T) {
	f := Flags{RealTimeDedup: 37}
	first := f.Enabled(RealTimeDedup, 4242)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, f.Enabled(RealTimeDedup, 4242))
	}
}

func TestFullEnhancementRequiresAllThree(t *testing.T) {
	f := Flags{AdvancedMemory: 100, EnhancedPrompts: 100, RealTimeDedup: 0}
	require.False(t, f.FullEnhancement(1))

	f.RealTimeDedup = 100
	require.True(t, f.FullEnhancement(1))
}

func TestSnapshotReflectsFlagsAtConstructionTime(t *testing.T) {
	f := Flags{AdvancedMemory: 100, EnhancedPrompts: 100, RealTimeDedup: 100}
	snap := NewSnapshot(f, 5)
	require.True(t, snap.AdvancedMemoryEnabled())
	require.True(t, snap.FullEnhancement())
}

func TestFromConfigMapsAllFivePercentages(t *testing.T) {
	fc := config.FlagsConfig{
		AdvancedMemoryPercent:  25,
		RealtimeDedupPercent:   40,
		EnhancedPromptsPercent: 60,
		BatchProcessingPercent: 10,
		CircuitBreakersPercent: 0,
	}

	f := FromConfig(fc)
	require.Equal(t, Flags{
		AdvancedMemory:  25,
		RealTimeDedup:   40,
		EnhancedPrompts: 60,
		BatchProcessing: 10,
		CircuitBreakers: 0,
	}, f)
}

func TestFromConfigDefaultsMatchStandaloneDefault(t *testing.T) {
	fc := config.DefaultConfig().Flags
	require.Equal(t, Default(), FromConfig(fc))
}
