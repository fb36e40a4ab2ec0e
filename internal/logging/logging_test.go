package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Level: "debug", Format: "json", Color: "never"}.Validate())

	err := Config{Level: "loud", Format: "xml", Color: "rainbow", FileOnly: true}.Validate()
	require.Error(t, err)
	for _, want := range []string{"log.level", "log.format", "log.color", "log.file_only"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vdilabd.log")
	logger, closer, err := New(Config{Format: "json", File: path, FileOnly: true}, nil)
	require.NoError(t, err)

	logger.With("component", "lifecycle").Info("session ready", "session_id", "s1")
	logger.Debug("hidden at info level")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"component":"lifecycle"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.NotContains(t, out, "hidden at info level")
}

func TestColorTextHandlerKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColorTextHandler(&buf, nil)).With("component", "idle")
	logger.Warn("stopping idle session")

	out := buf.String()
	assert.Contains(t, out, "\033[33mWARN\033[0m")
	assert.Contains(t, out, "component=idle")
}

func TestFanoutRespectsLevels(t *testing.T) {
	var debugBuf, errBuf bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	logger := slog.New(h)
	logger.Info("info line")
	logger.Error("error line")

	assert.Equal(t, 2, strings.Count(debugBuf.String(), "line"))
	assert.Equal(t, 1, strings.Count(errBuf.String(), "line"))
}
