package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stephabauva/wellness-gateway/internal/config"
	"github.com/stephabauva/wellness-gateway/internal/memory/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Pool.Workers = 2
	cfg.Pool.MemoryWorkers = 1
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	require.NotNil(t, a.Queue)
	require.NotNil(t, a.Conn)
	require.NotNil(t, a.Cache)
	require.NotNil(t, a.Breakers)
	require.NotNil(t, a.Metrics)
	require.NotNil(t, a.Workers)
	require.NotNil(t, a.Server)
	require.NotNil(t, a.retriever)
	require.NotNil(t, a.dedup)
	require.NotNil(t, a.relationships)
	require.NotNil(t, a.extractor)
}

func TestNewWithoutProviderAPIKeysLeavesProvidersEmpty(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, a.Providers)

	_, ok := pickPrimaryProvider(a.Providers)
	require.False(t, ok)
}

func TestFlagsSnapshotReflectsConfiguredPercentage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.AdvancedMemoryPercent = 0
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	snap := a.FlagsSnapshot(1)
	require.False(t, snap.AdvancedMemoryEnabled())
}

func TestObserveTurnDropsWhenQueueFull(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	// Fill the memory job queue without starting the supervisor so every
	// submission past capacity takes the non-blocking drop path.
	capacity := cap(a.memoryJobs)
	for i := 0; i < capacity; i++ {
		a.ObserveTurn(1, "hello", "fitness", nil)
	}
	require.Len(t, a.memoryJobs, capacity)

	// One more submission must not block the test.
	done := make(chan struct{})
	go func() {
		a.ObserveTurn(1, "one too many", "fitness", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ObserveTurn blocked instead of dropping")
	}
}

func TestProcessMemoryJobSkipsWhenAdvancedMemoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.AdvancedMemoryPercent = 0
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	// With no inferencer configured and the flag disabled, processing must
	// return immediately without reaching the (nil) extractor model.
	a.processMemoryJob(context.Background(), memoryJob{userID: 1, message: "remember that I avoid dairy"})

	entries, err := a.memoryStore.ActiveByUser(context.Background(), 1, types.OrderByCreatedAtDesc, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProcessMemoryJobStoresExplicitTrigger(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	a.processMemoryJob(context.Background(), memoryJob{userID: 7, message: "remember that I avoid dairy"})

	entries, err := a.memoryStore.ActiveByUser(context.Background(), 7, types.OrderByCreatedAtDesc, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].SemanticHash)
}

func TestProcessMemoryJobUpdatesSimilarExistingMemoryInPlace(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	a.processMemoryJob(context.Background(), memoryJob{userID: 9, message: "remember that I avoid dairy products"})
	a.processMemoryJob(context.Background(), memoryJob{userID: 9, message: "remember that I avoid dairy"})

	entries, err := a.memoryStore.ActiveByUser(context.Background(), 9, types.OrderByCreatedAtDesc, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a near-duplicate update must overwrite the existing entry, not create a second one")
	require.Equal(t, "I avoid dairy", entries[0].Content)
	require.Equal(t, 1, entries[0].UpdateCount)
}

func TestShutdownIsSafeBeforeRun(t *testing.T) {
	a, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestBuildMemoryStoreDefaultsToInmem(t *testing.T) {
	store, err := buildMemoryStore(context.Background(), config.MemoryConfig{}, config.DatabaseConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestBuildMemoryStoreRejectsUnknownBackend(t *testing.T) {
	_, err := buildMemoryStore(context.Background(), config.MemoryConfig{Backend: "carrier-pigeon"}, config.DatabaseConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestBuildMemoryStoreRejectsUnsupportedSQLDriver(t *testing.T) {
	_, err := buildMemoryStore(context.Background(), config.MemoryConfig{Backend: "sql"}, config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
}
