package adapters

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestLRUCache_BasicOperations tests cache functionality.
func TestLRUCache_BasicOperations(t *testing.T) {
	cache := NewLRUCache(2)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key1", []byte("value1"), 3600))
	require.NoError(t, cache.Set(ctx, "key2", []byte("value2"), 3600))

	value, ok := cache.Get(ctx, "key1")
	assert.True(t, ok)
	assert.Equal(t, []byte("value1"), value)

	// key2 is now least recently used and gets evicted
	require.NoError(t, cache.Set(ctx, "key3", []byte("value3"), 3600))

	_, ok = cache.Get(ctx, "key2")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "key1")
	assert.True(t, ok)
	_, ok = cache.Get(ctx, "key3")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())

	require.NoError(t, cache.Delete(ctx, "key1"))
	_, ok = cache.Get(ctx, "key1")
	assert.False(t, ok)
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(4)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", []byte("a"), 10))
	require.NoError(t, cache.Set(ctx, "forever", []byte("b"), 0))

	now = now.Add(11 * time.Second)

	_, ok := cache.Get(ctx, "short")
	assert.False(t, ok)
	value, ok := cache.Get(ctx, "forever")
	assert.True(t, ok)
	assert.Equal(t, []byte("b"), value)
}

func TestLRUCache_Overwrite(t *testing.T) {
	cache := NewLRUCache(1)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("old"), 0))
	require.NoError(t, cache.Set(ctx, "k", []byte("new"), 0))

	value, ok := cache.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), value)
	assert.Equal(t, 1, cache.Len())
}

func TestRateLimiter_BurstThenWait(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, err := limiter.Acquire(ctx, "provider")
		require.NoError(t, err)
		release()
	}

	// Third token would take ~1000s; a short deadline must fail fast.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := limiter.Acquire(ctx, "provider")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))

	// Keys are independent
	_, err = limiter.Acquire(context.Background(), "other")
	assert.NoError(t, err)
}

func TestRateLimiter_Unlimited(t *testing.T) {
	limiter := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		_, err := limiter.Acquire(context.Background(), "k")
		require.NoError(t, err)
	}
}

func TestZerologTracer_SpanAndEvent(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finish := tracer.StartSpan(context.Background(), "agent_answer", map[string]any{"task_id": "t1"})
	tracer.Event(ctx, "tool_call", map[string]any{"tool": "web_fetch"})
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"span":"agent_answer"`)
	assert.Contains(t, out, `"task_id":"t1"`)
	assert.Contains(t, out, `"message":"tool_call"`)
	assert.Contains(t, out, `"tool":"web_fetch"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestZerologTracer_NestedSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finishOuter := tracer.StartSpan(context.Background(), "question", map[string]any{"task_id": "t1"})
	_, finishInner := tracer.StartSpan(ctx, "provider_call", nil)
	finishInner(nil)
	finishOuter(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"question/provider_call"`)
	// inner lines inherit the outer attributes
	assert.Equal(t, 4, strings.Count(out, `"task_id":"t1"`))
	assert.Contains(t, out, `"message":"span end"`)
}

func TestOTelTracer_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewOTelTracer(provider.Tracer("test"))

	ctx, finish := tracer.StartSpan(context.Background(), "provider_call", map[string]any{
		"iteration": 1,
		"model":     "gpt-4o",
	})
	tracer.Event(ctx, "cache_miss", map[string]any{"key": "abc"})
	finish(errors.New("upstream 500"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "provider_call", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var names []string
	for _, ev := range spans[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "cache_miss")
}
