package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("also filtered")
	require.Empty(t, buf.String())

	logger.Warn("this shows up")
	require.Contains(t, buf.String(), "this shows up")
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	qlogger := logger.With("qid", 1).With("cid", 42)
	qlogger.Info("submitted")

	out := buf.String()
	require.True(t, strings.Contains(out, "qid=1"))
	require.True(t, strings.Contains(out, "cid=42"))
	require.True(t, strings.Contains(out, "submitted"))
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(NewLogger(nil))

	Info("hello", "key", "value")
	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "key=value")
}
