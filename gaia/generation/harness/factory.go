package harness

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/config"
	"github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// TracerName is the instrumentation name used for OpenTelemetry spans.
const TracerName = "github.com/ZanzyTHEbar/gaia-runner/harness"

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		logger:        logger,
	}
}

// CreateOrchestrator creates a fully wired HarnessOrchestrator from config.
func (f *Factory) CreateOrchestrator(provider ports.Provider, tools []ports.Tool, opts ...Option) (*HarnessOrchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	base := []Option{
		WithTools(tools...),
		WithToolConcurrency(f.harnessConfig.ToolConcurrency),
		WithCacheTTL(f.harnessConfig.CacheTTLSeconds),
		WithLogger(f.logger),
	}

	return NewHarnessOrchestrator(
		provider,
		NewPromptBuilder(),
		NewOutputParser(),
		f.CreateGuardrails(),
		f.createCache(),
		f.createRateLimiter(),
		f.Tracer(),
		append(base, opts...)...,
	), nil
}

func (f *Factory) createCache() ports.Cache {
	if !f.harnessConfig.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.harnessConfig.CacheCapacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewRateLimiter(f.harnessConfig.RateLimitRPS, f.harnessConfig.RateLimitBurst)
}

// Tracer builds the tracer selected by config. The loop shares it with the orchestrator.
func (f *Factory) Tracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return &noOpTracer{}
	}
	if f.harnessConfig.Tracer == "otel" {
		return adapters.NewOTelTracer(otel.Tracer(TracerName))
	}
	return adapters.NewZerologTracer(f.logger)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails(f.harnessConfig.EnableGuardrails)
	for _, toolName := range f.harnessConfig.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	return guardrails
}

// ClampSpec bounds the loop limits of spec, logging every adjustment.
func (f *Factory) ClampSpec(spec AgentSpec) AgentSpec {
	clamp := func(name string, v, lo, hi int) int {
		if v < lo {
			f.logger.Warn().Int(name, v).Msgf("%s clamped to minimum of %d", name, lo)
			return lo
		}
		if v > hi {
			f.logger.Warn().Int(name, v).Msgf("%s clamped to maximum of %d", name, hi)
			return hi
		}
		return v
	}
	spec.MaxToolDepth = clamp("max_tool_depth", spec.MaxToolDepth, 0, 20)
	spec.MaxIterations = clamp("max_iterations", spec.MaxIterations, 1, 50)
	return spec
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
)
