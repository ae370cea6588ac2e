package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatJSON)
	l.SetOutput(&buf)

	l.WithComponent("staging").WithField("skipped", 3).Info("window staged")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "window staged", entry.Message)
	assert.Equal(t, "staging", entry.Fields["component"])
	assert.EqualValues(t, 3, entry.Fields["skipped"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn, FormatText)
	l.SetOutput(&buf)

	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "warn: kept")
}

func TestLogger_ChildSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelDebug, FormatText)
	child := parent.WithField("run", "r-1")
	parent.SetOutput(&buf)

	child.Debug("from child")
	assert.True(t, strings.Contains(buf.String(), "from child"))
}

func TestFromContext(t *testing.T) {
	l := NewDiscardLogger()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("loud"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
