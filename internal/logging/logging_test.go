package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmitsJSONWithServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "reward-cap-engine", "test", "info")

	logger.Info("points calculated", slog.Int64("bonus", 120))
	logger.Debug("dropped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "points calculated", line["message"])
	assert.Equal(t, "INFO", line["severity"])
	assert.Equal(t, "reward-cap-engine", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, float64(120), line["bonus"])
	assert.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
