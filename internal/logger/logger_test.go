package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_ToZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, Config{Level: "DEBUG"}.ToZapLevel())
	assert.Equal(t, zapcore.WarnLevel, Config{Level: "warning"}.ToZapLevel())
	assert.Equal(t, zapcore.InfoLevel, Config{Level: "nonsense"}.ToZapLevel())
}

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "warn", Encoding: "console"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))

	_, err = New(Config{Encoding: "xml"})
	assert.Error(t, err)
}
