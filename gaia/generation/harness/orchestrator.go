package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// ErrMaxIterations is returned when the model keeps calling tools or keeps
// producing malformed replies past AgentSpec.MaxIterations provider calls.
var ErrMaxIterations = errors.New("max iterations exceeded")

// Conversation is the ordered turn list handed to and returned by the agent.
type Conversation struct {
	ID       string
	Messages []ports.PromptMessage
}

// NewConversation starts a conversation with a fresh id.
func NewConversation(messages ...ports.PromptMessage) *Conversation {
	return &Conversation{ID: uuid.NewString(), Messages: messages}
}

// Clone returns a copy whose message slice can be appended to independently.
func (c *Conversation) Clone() *Conversation {
	msgs := make([]ports.PromptMessage, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{ID: c.ID, Messages: msgs}
}

// Len returns the number of turns.
func (c *Conversation) Len() int { return len(c.Messages) }

// Append adds turns in place.
func (c *Conversation) Append(msgs ...ports.PromptMessage) {
	c.Messages = append(c.Messages, msgs...)
}

// Reply is the structured outcome of one agent run.
type Reply struct {
	FinalAnswer string       `json:"final_answer"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Usage       *ports.Usage `json:"-"`
	ToolCalls   int          `json:"-"` // tool invocations made while answering
}

// HarnessOrchestrator coordinates the tool-calling loop for one answer.
type HarnessOrchestrator struct {
	provider   ports.Provider
	builder    *PromptBuilder
	parser     *OutputParser
	guardrails *Guardrails
	cache      ports.Cache
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	tools      map[string]ports.Tool

	logger          zerolog.Logger
	toolConcurrency int
	toolTimeout     time.Duration
	maxTokens       int
	cacheTTL        int
}

// Option customises a HarnessOrchestrator.
type Option func(*HarnessOrchestrator)

// WithTools registers the tools an AgentSpec may name.
func WithTools(tools ...ports.Tool) Option {
	return func(o *HarnessOrchestrator) {
		for _, t := range tools {
			o.tools[t.Name()] = t
		}
	}
}

// WithToolConcurrency bounds concurrent tool executions within one step.
func WithToolConcurrency(n int) Option {
	return func(o *HarnessOrchestrator) {
		if n > 0 {
			o.toolConcurrency = n
		}
	}
}

// WithToolTimeout bounds a single tool invocation.
func WithToolTimeout(d time.Duration) Option {
	return func(o *HarnessOrchestrator) {
		if d > 0 {
			o.toolTimeout = d
		}
	}
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(o *HarnessOrchestrator) { o.maxTokens = n }
}

// WithCacheTTL sets the completion cache TTL in seconds.
func WithCacheTTL(seconds int) Option {
	return func(o *HarnessOrchestrator) { o.cacheTTL = seconds }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *HarnessOrchestrator) { o.logger = logger }
}

// NewHarnessOrchestrator creates a new orchestrator with dependencies.
func NewHarnessOrchestrator(
	provider ports.Provider,
	builder *PromptBuilder,
	parser *OutputParser,
	guardrails *Guardrails,
	cache ports.Cache,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	opts ...Option,
) *HarnessOrchestrator {
	o := &HarnessOrchestrator{
		provider:        provider,
		builder:         builder,
		parser:          parser,
		guardrails:      guardrails,
		cache:           cache,
		limiter:         limiter,
		tracer:          tracer,
		tools:           make(map[string]ports.Tool),
		logger:          zerolog.Nop(),
		toolConcurrency: 4,
		toolTimeout:     30 * time.Second,
		maxTokens:       2048,
		cacheTTL:        3600,
	}
	if o.builder == nil {
		o.builder = NewPromptBuilder()
	}
	if o.parser == nil {
		o.parser = NewOutputParser()
	}
	if o.guardrails == nil {
		o.guardrails = NewGuardrails(false)
	}
	if o.cache == nil {
		o.cache = &noOpCache{}
	}
	if o.limiter == nil {
		o.limiter = &noOpRateLimiter{}
	}
	if o.tracer == nil {
		o.tracer = &noOpTracer{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer runs the agent described by spec over conv. The returned
// conversation is conv plus exactly one assistant turn holding the final
// reply; tool exchanges stay internal. conv itself is not modified.
func (o *HarnessOrchestrator) Answer(ctx context.Context, spec AgentSpec, conv *Conversation) (reply Reply, out *Conversation, err error) {
	if conv == nil {
		return Reply{}, nil, fmt.Errorf("conversation is required")
	}
	if o.provider == nil {
		return Reply{}, nil, fmt.Errorf("no provider configured")
	}

	ctx, finish := o.tracer.StartSpan(ctx, "answer", map[string]any{
		"conversation_id": conv.ID,
		"agent":           spec.Name,
		"model":           spec.Model,
		"turns":           conv.Len(),
	})
	defer func() { finish(err) }()

	tools, err := o.resolveTools(spec.Tools)
	if err != nil {
		return Reply{}, nil, err
	}
	toolSpecs := buildToolSpecs(tools)
	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name()] = true
	}

	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	working := conv.Clone().Messages
	usage := &ports.Usage{}
	depth := 0
	toolCount := 0

	for iteration := 1; iteration <= maxIter; iteration++ {
		// Once the depth budget is spent the tools stay declared, since earlier
		// turns reference them, but tool_choice "none" forces a text answer.
		allowTools := len(toolSpecs) > 0 && depth < spec.MaxToolDepth
		prompt := o.builder.Build(spec.Instructions, working, toolSpecs, map[string]string{
			"conversation_id": conv.ID,
			"iteration":       fmt.Sprintf("%d", iteration),
		})
		opts := ports.Options{
			Model:        spec.Model,
			MaxNewTokens: o.maxTokens,
			Temperature:  spec.Temperature,
			JSONMode:     true,
		}
		if !allowTools && len(toolSpecs) > 0 {
			opts.ToolChoice = "none"
		}

		completion, err := o.complete(ctx, prompt, opts, iteration, depth)
		if err != nil {
			return Reply{}, nil, err
		}
		addUsage(usage, completion.Usage)

		calls := completion.ToolCalls
		if len(calls) == 0 && allowTools {
			calls = o.parser.ParseToolCalls(completion.Text, known)
		}

		if len(calls) > 0 && allowTools {
			depth++
			toolCount += len(calls)
			results := o.executeTools(ctx, tools, calls)
			working = append(working, ports.PromptMessage{
				Role:      ports.RoleAssistant,
				Content:   completion.Text,
				ToolCalls: calls,
			})
			working = append(working, results...)
			continue
		}

		parsed, raw, perr := o.parser.ParseAnswer(completion.Text)
		if perr == nil {
			perr = o.guardrails.ValidateAnswer(raw)
		}
		if perr != nil {
			o.tracer.Event(ctx, "answer_rejected", map[string]any{"error": perr.Error(), "iteration": iteration})
			working = append(working,
				ports.PromptMessage{Role: ports.RoleAssistant, Content: completion.Text},
				ports.PromptMessage{Role: ports.RoleUser, Content: "Your reply could not be used (" + perr.Error() + "). " + AnswerFormat},
			)
			continue
		}

		parsed.Usage = usage
		parsed.ToolCalls = toolCount
		out = conv.Clone()
		out.Append(ports.PromptMessage{Role: ports.RoleAssistant, Content: completion.Text})
		o.tracer.Event(ctx, "answer_ready", map[string]any{
			"iterations": iteration,
			"tool_calls": toolCount,
		})
		return parsed, out, nil
	}

	return Reply{}, nil, fmt.Errorf("%w: %d", ErrMaxIterations, maxIter)
}

// complete performs one cached, rate-limited provider call.
func (o *HarnessOrchestrator) complete(ctx context.Context, prompt ports.PromptInput, opts ports.Options, iteration, depth int) (ports.Completion, error) {
	cacheKey := buildCacheKey(prompt, opts)
	if cached, ok := o.cache.Get(ctx, cacheKey); ok {
		var c ports.Completion
		if err := json.Unmarshal(cached, &c); err == nil {
			o.tracer.Event(ctx, "cache_hit", map[string]any{"key": cacheKey})
			return c, nil
		}
		_ = o.cache.Delete(ctx, cacheKey)
	}

	release, err := o.limiter.Acquire(ctx, "provider")
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	spanCtx, spanFinish := o.tracer.StartSpan(ctx, "provider_call", map[string]any{
		"iteration": iteration,
		"depth":     depth,
		"messages":  len(prompt.Messages),
	})
	completion, err := o.provider.Complete(spanCtx, prompt, opts)
	spanFinish(err)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("provider call failed: %w", err)
	}

	if b, err := json.Marshal(completion); err == nil {
		if err := o.cache.Set(ctx, cacheKey, b, o.cacheTTL); err != nil {
			o.tracer.Event(ctx, "cache_error", map[string]any{"error": err.Error()})
		}
	}
	return completion, nil
}

type toolResult struct {
	idx int
	msg ports.PromptMessage
}

// executeTools runs tool calls in a bounded pool and returns one tool turn
// per call, in call order. Tool failures are reported to the model as text.
func (o *HarnessOrchestrator) executeTools(ctx context.Context, tools []ports.Tool, calls []ports.ToolCall) []ports.PromptMessage {
	toolMap := make(map[string]ports.Tool, len(tools))
	for _, tool := range tools {
		toolMap[tool.Name()] = tool
	}

	p := pool.NewWithResults[toolResult]().WithMaxGoroutines(o.toolConcurrency)
	for i, call := range calls {
		i, call := i, call
		p.Go(func() toolResult {
			return toolResult{idx: i, msg: ports.PromptMessage{
				Role:       ports.RoleTool,
				ToolCallID: call.ID,
				Content:    o.invokeTool(ctx, toolMap, call),
			}}
		})
	}

	out := make([]ports.PromptMessage, len(calls))
	for _, r := range p.Wait() {
		out[r.idx] = r.msg
	}
	return out
}

func (o *HarnessOrchestrator) invokeTool(ctx context.Context, toolMap map[string]ports.Tool, call ports.ToolCall) string {
	ctx, finish := o.tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": call.Name})

	tool, exists := toolMap[call.Name]
	if !exists {
		err := fmt.Errorf("unknown tool: %s", call.Name)
		finish(err)
		return "error: " + err.Error()
	}
	if err := o.guardrails.ValidateToolCall(call); err != nil {
		finish(err)
		return "error: " + err.Error()
	}
	if err := o.guardrails.ValidateToolArgs(call, tool.Schema()); err != nil {
		finish(err)
		return "error: " + err.Error()
	}

	toolCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()

	output, err := tool.Invoke(toolCtx, call.Args)
	finish(err)
	if err != nil {
		o.logger.Debug().Err(err).Str("tool", call.Name).Msg("tool failed")
		return fmt.Sprintf("error: tool %s failed: %v", call.Name, err)
	}

	var content string
	if str, ok := output.(string); ok {
		content = str
	} else {
		jsonBytes, err := json.Marshal(output)
		if err != nil {
			return fmt.Sprintf("error: marshaling tool output: %v", err)
		}
		content = string(jsonBytes)
	}
	return o.guardrails.SanitizeOutput(content)
}

func (o *HarnessOrchestrator) resolveTools(names []string) ([]ports.Tool, error) {
	tools := make([]ports.Tool, 0, len(names))
	for _, name := range names {
		t, ok := o.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool %q is not registered", name)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// buildToolSpecs converts tools to provider-expected specs.
func buildToolSpecs(tools []ports.Tool) []ports.ToolSpec {
	specs := make([]ports.ToolSpec, len(tools))
	for i, tool := range tools {
		specs[i] = ports.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			JSONSchema:  tool.Schema(),
		}
	}
	return specs
}

// buildCacheKey hashes everything that influences the completion.
func buildCacheKey(prompt ports.PromptInput, opts ports.Options) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(opts)
	_ = enc.Encode(prompt.System)
	_ = enc.Encode(prompt.Messages)
	for _, t := range prompt.Tools {
		_ = enc.Encode(t.Name)
	}
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}

func addUsage(total, u *ports.Usage) {
	if u == nil {
		return
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
