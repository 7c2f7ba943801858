package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coldbell/autorepay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := parseLevel(" WARNING ")
	require.NoError(t, err)
	assert.Equal(t, "WARN", level.String())

	_, err = parseLevel("trace")
	require.Error(t, err)
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keeper.log")
	logger, closeFn, err := New("keeper", config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Debug("tick", "owners", 2)
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"service":"keeper"`)
	assert.Contains(t, string(raw), `"owners":2`)
}

func TestNewRejectsUnknownFormatAndOutput(t *testing.T) {
	_, _, err := New("x", config.LogConfig{Format: "xml"})
	require.Error(t, err)

	_, _, err = New("x", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Enabled(t.Context(), 12))
}
