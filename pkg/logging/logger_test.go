package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "строка лога должна быть JSON: %s", line)
		out = append(out, m)
	}
	return out
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&buf, LogLevelWarn)

	l.Debug(context.Background(), "скрыто")
	l.Info(context.Background(), "скрыто")
	l.Warn(context.Background(), "видно")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "видно", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])

	l.SetLevel(LogLevelDebug)
	assert.True(t, l.IsEnabled(LogLevelDebug))
	assert.False(t, l.IsEnabled(LogLevelTrace))
}

func TestZerologLogger_FieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&buf, LogLevelTrace).
		WithComponent("session").
		WithFields(String("sid", "abc"))

	ctx := ContextWithFields(context.Background(), String("initiator", "a@x/1"))
	l.Info(ctx, "событие", Int("contents", 2), Bool("ok", true), Duration("took", 1500*time.Millisecond))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	e := lines[0]
	assert.Equal(t, "session", e["component"])
	assert.Equal(t, "abc", e["sid"])
	assert.Equal(t, "a@x/1", e["initiator"])
	assert.EqualValues(t, 2, e["contents"])
	assert.Equal(t, true, e["ok"])
}

func TestZerologLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&buf, LogLevelInfo)

	l.LogError(context.Background(), errors.New("сбой"), "операция не удалась")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "сбой", lines[0]["error"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestZerologLogger_DerivedShareLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewZerologLogger(&buf, LogLevelInfo)
	child := root.WithComponent("child")

	root.SetLevel(LogLevelError)
	child.Info(context.Background(), "не должно появиться")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LogLevelInfo, ParseLevel("чепуха"))
}

func TestNoOpLogger(t *testing.T) {
	var l StructuredLogger = NoOpLogger{}
	l.Info(context.Background(), "ничего")
	assert.False(t, l.IsEnabled(LogLevelError))
	assert.NotNil(t, l.WithComponent("x"))
}
