package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"chlorine-monitor/internal/config"
)

func TestNewLevels(t *testing.T) {
	l, err := New(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	require.False(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Desugar().Core().Enabled(zapcore.WarnLevel))

	_, err = New(config.LogConfig{Level: "loud"})
	require.Error(t, err)

	l = Must(config.LogConfig{Level: "loud"})
	require.True(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
}
