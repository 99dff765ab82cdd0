package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_RejectsInvalidLevel(t *testing.T) {
	_, err := New("loud", "json", "stdout")
	assert.Error(t, err)
}

func TestNew_RejectsInvalidFormat(t *testing.T) {
	_, err := New("info", "xml", "stdout")
	assert.Error(t, err)
}

func TestInit_WritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("debug", "json", path))

	Info("session evaluated", zap.String("session_id", "s-1"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"message":"session evaluated"`), line)
	assert.True(t, strings.Contains(line, `"session_id":"s-1"`), line)
}

func TestDefaultLoggerIsUsableBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Warn("not initialised")
		With(zap.String("k", "v")).Info("child")
	})
}
