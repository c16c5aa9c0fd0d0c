package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBuildsAtRequestedLevel(t *testing.T) {
	logger, err := New("debug", false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger, err := New("chatty", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestComponentFallsBackToNopOnNilBase(t *testing.T) {
	child := Component(nil, "gateway")
	assert.NotNil(t, child)
	assert.NotPanics(t, func() { child.Info("noop") })
}

func TestComponentScopesBaseLogger(t *testing.T) {
	base, err := New("info", true)
	require.NoError(t, err)
	child := Component(base, "worker")
	assert.NotNil(t, child)
}
