package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestTemporalLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewTemporalLogger(zerolog.New(&buf))

	l.Warn("activity heartbeat timed out", "TaskQueue", "articles", 7, "seven", "dangling")

	rec := decodeLine(t, &buf)
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "temporal-sdk", rec["component"])
	assert.Equal(t, "activity heartbeat timed out", rec["message"])
	assert.Equal(t, "articles", rec["TaskQueue"])
	assert.Equal(t, "seven", rec["7"])
	assert.NotContains(t, rec, "dangling")
}

func TestTemporalLogger_With(t *testing.T) {
	var buf bytes.Buffer
	scoped := NewTemporalLogger(zerolog.New(&buf)).With("WorkflowID", "wf-1")

	scoped.Info("started")

	rec := decodeLine(t, &buf)
	assert.Equal(t, "wf-1", rec["WorkflowID"])
	assert.Equal(t, "temporal-sdk", rec["component"])
}

func TestTemporalLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewTemporalLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("poller started")

	assert.Zero(t, buf.Len())
}
