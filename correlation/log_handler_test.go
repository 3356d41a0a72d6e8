package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewLogHandler(inner))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLogHandler(t *testing.T) {
	c := Context{
		CorrelationID: "alpha",
		CausationID:   "123",
		MessageID:     "456",
		TenantID:      "ten1",
		InputMessage:  &InputMessage{Body: "payload", RoutingKey: "order.created"},
	}

	t.Run("adds tracing fields to every record", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newTestLogger(&buf)
		ctx := WithContext(context.Background(), c)

		logger.InfoContext(ctx, "first log message")
		logger.DebugContext(ctx, "first debug message")
		logger.ErrorContext(ctx, "first error message")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 3)

		for _, entry := range entries {
			tracing, ok := entry["tracing"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "alpha", tracing[HeaderCorrelationID])
			assert.Equal(t, "123", tracing[HeaderCausationID])
			assert.Equal(t, "456", tracing[HeaderMessageID])
			assert.Equal(t, "ten1", tracing[HeaderTenantID])

			switch entry["level"] {
			case "DEBUG", "ERROR":
				assert.Contains(t, tracing, "input-message")
			default:
				assert.NotContains(t, tracing, "input-message")
			}
		}
	})

	t.Run("leaves records without a context untouched", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newTestLogger(&buf)

		logger.Info("plain")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.NotContains(t, entries[0], "tracing")
	})

	t.Run("keeps attributes added with With", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newTestLogger(&buf).With("queue", "orders")

		logger.InfoContext(WithContext(context.Background(), c), "received")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "orders", entries[0]["queue"])
		assert.Contains(t, entries[0], "tracing")
	})
}
