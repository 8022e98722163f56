//go:build unit

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_AppendsToFileAndMirrors(t *testing.T) {
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	path := filepath.Join(t.TempDir(), "log", "netguard.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("time=2026-01-01T00:00:00Z level=INFO msg=previous\n"), 0o644))

	var terminal bytes.Buffer
	logger, closer, err := Setup(Options{Level: slog.LevelInfo, FilePath: path, Terminal: &terminal})
	require.NoError(t, err)

	logger.With("session", "abc").Info("deleted conflicting bridge", "bridge", "net-x")
	logger.Debug("hidden")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "existing entries must be kept")
	assert.Contains(t, lines[0], "msg=previous")
	assert.Regexp(t, regexp.MustCompile(`^time=\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`), lines[1])
	assert.Contains(t, lines[1], "session=abc")
	assert.Contains(t, lines[1], "bridge=net-x")

	assert.Contains(t, terminal.String(), "deleted conflicting bridge")
	assert.NotContains(t, terminal.String(), "hidden")
}

func TestSetup_FileErrorStillReturnsLogger(t *testing.T) {
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	logger, closer, err := Setup(Options{FilePath: filepath.Join(blocker, "netguard.log")})
	assert.Error(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closer())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
