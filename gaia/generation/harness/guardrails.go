package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// AnswerSchema is the JSON schema a structured final reply must satisfy.
const AnswerSchema = `{
  "type": "object",
  "properties": {
    "reasoning": {"type": "string"},
    "final_answer": {"type": ["string", "number", "integer"], "minLength": 1}
  },
  "required": ["final_answer"]
}`

// Guardrails enforces the tool allowlist, the answer schema and output redaction.
type Guardrails struct {
	enabled       bool
	allowlist     map[string]bool  // empty means every registered tool
	outputFilters []*regexp.Regexp // patterns masked out of tool output
	jsonValidator *JSONValidator
	answerSchema  []byte
}

// NewGuardrails creates guardrails with default settings.
func NewGuardrails(enabled bool) *Guardrails {
	return &Guardrails{
		enabled:   enabled,
		allowlist: make(map[string]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
			regexp.MustCompile(`\bhf_[A-Za-z0-9]{20,}`),
		},
		jsonValidator: NewJSONValidator(),
		answerSchema:  []byte(AnswerSchema),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// ValidateToolCall checks if a tool call is allowed and well-formed.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.enabled {
		return nil
	}
	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if len(call.Args) > 0 && !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}
	return nil
}

// ValidateToolArgs validates call arguments against the tool's declared schema.
func (g *Guardrails) ValidateToolArgs(call ports.ToolCall, schema []byte) error {
	if !g.enabled {
		return nil
	}
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return g.jsonValidator.Validate(args, schema)
}

// ValidateAnswer checks a structured reply against AnswerSchema.
func (g *Guardrails) ValidateAnswer(raw json.RawMessage) error {
	if !g.enabled || raw == nil {
		return nil
	}
	return g.jsonValidator.Validate(raw, g.answerSchema)
}

// SanitizeOutput masks credentials before tool output is sent back to the model.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil // no schema to validate against
	}

	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
