package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

var (
	// ErrEmptyAnswer is returned when a completion carries no usable answer.
	ErrEmptyAnswer = errors.New("empty answer")
	// ErrNoFinalAnswer is returned for a JSON reply without a final_answer value.
	ErrNoFinalAnswer = errors.New("reply has no final_answer")
)

var (
	reCodeFence   = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	reJSONObject  = regexp.MustCompile(`(?s)\{.*\}`)
	reFinalAnswer = regexp.MustCompile(`(?im)^\s*\**\s*FINAL ANSWER\s*\**\s*:\s*(.+?)\s*$`)
)

// OutputParser handles extracting structured data from model responses.
type OutputParser struct {
	// Regex patterns for tool calls written inline by models without native tool calling
	toolCallPatterns []*regexp.Regexp
}

// NewOutputParser creates a parser with default patterns for common tool call formats.
func NewOutputParser() *OutputParser {
	return &OutputParser{
		toolCallPatterns: []*regexp.Regexp{
			// JSON array format: [{"name": "tool", "arguments": {...}}]
			regexp.MustCompile(`\[\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}\s*\]`),
			// Function call format: tool_name({"arg": "value"})
			regexp.MustCompile(`(\w+)\s*\(\s*(\{.*?\})\s*\)`),
		},
	}
}

// ParseAnswer extracts a Reply from the final completion text. It tries, in
// order: a JSON object with final_answer, a "FINAL ANSWER:" line, and the
// trimmed text. raw is the JSON object whenever the text contains one, so the
// caller can validate it. A JSON reply whose final_answer is missing, null or
// blank is an error and never falls back to the raw text.
func (p *OutputParser) ParseAnswer(text string) (reply Reply, raw json.RawMessage, err error) {
	text = strings.TrimSpace(text)
	if m := reCodeFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return Reply{}, nil, ErrEmptyAnswer
	}

	if obj, err := p.ParseJSONOutput(text); err == nil {
		var fields struct {
			Reasoning   any `json:"reasoning"`
			FinalAnswer any `json:"final_answer"`
		}
		if json.Unmarshal(obj, &fields) == nil && fields.FinalAnswer != nil {
			reply := Reply{
				FinalAnswer: strings.TrimSpace(scalarString(fields.FinalAnswer)),
				Reasoning:   strings.TrimSpace(scalarString(fields.Reasoning)),
			}
			if reply.FinalAnswer == "" {
				return Reply{}, obj, ErrEmptyAnswer
			}
			return reply, obj, nil
		}
		if reply, ok := finalAnswerLine(text); ok {
			return reply, nil, nil
		}
		return Reply{}, obj, ErrNoFinalAnswer
	}

	if reply, ok := finalAnswerLine(text); ok {
		return reply, nil, nil
	}
	return Reply{FinalAnswer: text}, nil, nil
}

// finalAnswerLine returns the last "FINAL ANSWER:" line and the text before it.
func finalAnswerLine(text string) (Reply, bool) {
	all := reFinalAnswer.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return Reply{}, false
	}
	last := all[len(all)-1]
	return Reply{
		FinalAnswer: strings.TrimSpace(text[last[2]:last[3]]),
		Reasoning:   strings.TrimSpace(text[:last[0]]),
	}, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// ParseToolCalls extracts inline tool calls from a model response text.
// Only names present in known are returned.
func (p *OutputParser) ParseToolCalls(text string, known map[string]bool) []ports.ToolCall {
	var calls []ports.ToolCall

	for _, pattern := range p.toolCallPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if len(match) < 3 {
				continue
			}
			name := strings.TrimSpace(match[1])
			if !known[name] {
				continue
			}
			argsStr := strings.TrimSpace(match[2])
			if !json.Valid([]byte(argsStr)) {
				// Try to fix common JSON issues
				argsStr = p.fixJSON(argsStr)
				if !json.Valid([]byte(argsStr)) {
					continue
				}
			}
			calls = append(calls, ports.ToolCall{
				ID:   fmt.Sprintf("inline_%d", len(calls)),
				Name: name,
				Args: json.RawMessage(argsStr),
			})
		}
		if len(calls) > 0 {
			break
		}
	}

	return calls
}

// ParseJSONOutput extracts the outermost JSON object from text.
func (p *OutputParser) ParseJSONOutput(text string) (json.RawMessage, error) {
	match := reJSONObject.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	if json.Valid([]byte(match)) {
		return json.RawMessage(match), nil
	}
	cleaned := p.fixJSON(match)
	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return json.RawMessage(cleaned), nil
}

var (
	reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)
	reUnquotedKey   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(jsonStr string) string {
	jsonStr = reTrailingComma.ReplaceAllString(jsonStr, "$1")
	jsonStr = reUnquotedKey.ReplaceAllString(jsonStr, `$1"$2":`)
	if !strings.Contains(jsonStr, `"`) {
		jsonStr = strings.ReplaceAll(jsonStr, "'", `"`)
	}
	return jsonStr
}
