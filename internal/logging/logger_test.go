package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrettyHandler_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &Options{Level: slog.LevelWarn}))

	log.Info("hidden")
	log.Warn("shown", "area", "a1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown area=a1")
	assert.Contains(t, out, "WARN")
}

func TestPrettyHandler_WithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &Options{Level: slog.LevelDebug}))

	log.With("node_id", "00aa").WithGroup("raft").Info("tick", "term", 3)

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "tick node_id=00aa raft.term=3")
}

func TestPrettyHandler_ErrorStackOnlyWhenEnabled(t *testing.T) {
	var quiet, loud bytes.Buffer

	slog.New(NewPrettyHandler(&quiet, nil)).Error("failed", "error", errors.New("boom"))
	slog.New(NewPrettyHandler(&loud, &Options{ErrorStack: true})).Error("failed", "error", errors.New("boom"))

	assert.NotContains(t, quiet.String(), "ERROR: boom")
	assert.Contains(t, loud.String(), "ERROR: boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
