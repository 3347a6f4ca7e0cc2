package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// AnswerFormat is appended to every system prompt so the final reply can be
// parsed into a Reply.
const AnswerFormat = `When you are done, reply with a single JSON object and nothing else:
{"reasoning": "<how you reached the answer>", "final_answer": "<the final answer only>"}`

// PromptBuilder assembles model-ready inputs from system text, messages, and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build combines instructions, the answer format and chat messages into a
// Provider PromptInput. Messages are copied; the caller's slice is untouched.
func (b *PromptBuilder) Build(instructions string, messages []ports.PromptMessage, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace to reduce prompt diffs for caching
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	msgs := make([]ports.PromptMessage, len(messages))
	for i, m := range messages {
		m.Content = norm(m.Content)
		msgs[i] = m
	}

	system := norm(instructions)
	if system != "" {
		system += "\n\n"
	}
	system += AnswerFormat

	return ports.PromptInput{
		System:   system,
		Messages: msgs,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
