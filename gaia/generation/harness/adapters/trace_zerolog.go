package adapters

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

type spanKey struct{}

type zerologSpan struct {
	path   string // parent names joined with "/", e.g. question/provider_call
	logger zerolog.Logger
}

// ZerologTracer writes spans as structured log lines. Spans nest through the
// context, so a provider call inside a question logs as question/provider_call
// and inherits the question's task_id.
type ZerologTracer struct {
	logger zerolog.Logger
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan logs the span start at debug level. The finish func logs the
// duration, at error level when err is non-nil.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	parent := t.span(ctx)
	path := name
	if parent.path != "" {
		path = parent.path + "/" + name
	}

	lc := parent.logger.With().Str("span", path)
	for _, k := range sortedKeys(attrs) {
		lc = lc.Interface(k, attrs[k])
	}
	s := zerologSpan{path: path, logger: lc.Logger()}
	ctx = context.WithValue(ctx, spanKey{}, s)

	start := time.Now()
	s.logger.Debug().Msg("span start")

	return ctx, func(err error) {
		ev := s.logger.Debug()
		if err != nil {
			ev = s.logger.Error().Err(err)
		}
		ev.Dur("elapsed", time.Since(start)).Msg("span end")
	}
}

// Event logs name with attrs on the span active in ctx.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.span(ctx).logger
	ev := logger.Debug()
	for _, k := range sortedKeys(attrs) {
		ev = ev.Interface(k, attrs[k])
	}
	ev.Msg(name)
}

func (t *ZerologTracer) span(ctx context.Context) zerologSpan {
	if s, ok := ctx.Value(spanKey{}).(zerologSpan); ok {
		return s
	}
	return zerologSpan{logger: t.logger}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ports.Tracer = (*ZerologTracer)(nil)
