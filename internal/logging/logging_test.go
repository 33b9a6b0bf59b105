package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONLoggerTagsComponent(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("debug", "json", &out)
	require.NoError(t, err)

	Component(logger, "query").Debug("selected pair", slog.Int("i", 1))
	require.Contains(t, out.String(), `"component":"query"`)
	require.Contains(t, out.String(), `"msg":"selected pair"`)
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New("loud", "text", &bytes.Buffer{})
	require.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	require.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	logger, err := New("warn", "text", &out)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), "shown")
}

func TestComponentNilLogger(t *testing.T) {
	require.NotPanics(t, func() {
		Component(nil, "x").Info("discarded")
	})
}
