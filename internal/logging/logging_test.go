package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("Levels", func(t *testing.T) {
		t.Parallel()
		for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
			logger, err := New(lvl, false)
			require.NoError(t, err, lvl)
			assert.NotNil(t, logger)
		}
	})

	t.Run("Development", func(t *testing.T) {
		t.Parallel()
		logger, err := New("debug", true)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("LevelFilters", func(t *testing.T) {
		t.Parallel()
		logger, err := New("warn", false)
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zap.InfoLevel))
		assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	})

	t.Run("BadLevel", func(t *testing.T) {
		t.Parallel()
		_, err := New("loud", false)
		assert.Error(t, err)
		assert.NotNil(t, Must("loud", false))
	})
}
