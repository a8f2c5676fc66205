package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpans(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "fetch_resources", "")
	require.NotEmpty(t, root.TraceID)
	assert.Same(t, root, SpanFromContext(ctx))

	childCtx, child := StartChildSpan(ctx, "sam.resource_links")
	child.SetAttr("window", "last-30d")
	child.End()
	root.End()

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Same(t, child, SpanFromContext(childCtx))
	require.Len(t, root.Children(), 1)
	assert.GreaterOrEqual(t, root.Duration, child.Duration)
}

func TestStartSpan_KeepsGivenTraceID(t *testing.T) {
	_, span := StartSpan(context.Background(), "x", "req-1")
	assert.Equal(t, "req-1", span.TraceID)
	assert.Nil(t, SpanFromContext(context.Background()))
}

func TestStartChildSpan_WithoutParent(t *testing.T) {
	_, span := StartChildSpan(context.Background(), "orphan")
	assert.NotEmpty(t, span.TraceID)
	assert.Empty(t, span.ParentID)
}

func TestEnd_IsIdempotent(t *testing.T) {
	_, span := StartSpan(context.Background(), "x", "")
	span.End()
	first := span.Duration
	span.End()
	assert.Equal(t, first, span.Duration)
}

func TestLog_WritesTreeWithErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx, root := StartSpan(context.Background(), "generate_section", "trace-1")
	_, child := StartChildSpan(ctx, "generation.generate")
	child.SetError(errors.New("upstream 502"))
	child.SetError(nil)
	child.End()
	root.SetAttr("cached", false)
	root.End()
	root.Log(log)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "generate_section", first["span"])
	assert.Equal(t, false, first["cached"])
	assert.Equal(t, "INFO", first["level"])
	assert.Equal(t, "WARN", second["level"])
	assert.Equal(t, "upstream 502", second["error"])
	assert.Equal(t, float64(1), second["depth"])
}
