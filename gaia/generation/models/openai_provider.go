package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	ports "github.com/ZanzyTHEbar/gaia-runner/gaia/generation/harness/ports"
)

// OpenAIProvider implements ports.Provider over the chat/completions endpoint.
type OpenAIProvider struct {
	cfg    *ClientConfig
	client *http.Client
}

// NewOpenAIProvider validates cfg and builds a provider. A nil client gets
// one with cfg.Timeout.
func NewOpenAIProvider(cfg *ClientConfig, client *http.Client) (*OpenAIProvider, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	return &OpenAIProvider{cfg: cfg, client: newHTTPClient(cfg, client)}, nil
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or []chatContentPart
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Tools          []chatTool        `json:"tools,omitempty"`
	ToolChoice     string            `json:"tool_choice,omitempty"`
	Temperature    *float32          `json:"temperature,omitempty"`
	TopP           *float32          `json:"top_p,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Seed           *int              `json:"seed,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   *string        `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *ports.Usage `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	body, err := json.Marshal(buildChatRequest(in, opts))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.endpoint("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	p.cfg.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("read chat completion: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ports.Completion{}, apiError("chat completion", resp.StatusCode, data)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return ports.Completion{}, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("chat completion: no choices returned")
	}

	msg := out.Choices[0].Message
	completion := ports.Completion{Usage: out.Usage}
	if msg.Content != nil {
		completion.Text = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		completion.ToolCalls = append(completion.ToolCalls, ports.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return completion, nil
}

func buildChatRequest(in ports.PromptInput, opts ports.Options) chatRequest {
	req := chatRequest{
		Model:      opts.Model,
		MaxTokens:  opts.MaxNewTokens,
		Stop:       opts.Stop,
		ToolChoice: opts.ToolChoice,
	}
	temp := opts.Temperature
	req.Temperature = &temp
	if opts.TopP > 0 {
		topP := opts.TopP
		req.TopP = &topP
	}
	if opts.Seed != 0 {
		seed := opts.Seed
		req.Seed = &seed
	}
	if opts.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}

	if in.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: ports.RoleSystem, Content: in.System})
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, toChatMessage(m))
	}

	for _, t := range in.Tools {
		params := json.RawMessage(t.JSONSchema)
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	// tool_choice is only valid alongside tools
	if len(req.Tools) == 0 {
		req.ToolChoice = ""
	}
	return req
}

func toChatMessage(m ports.PromptMessage) chatMessage {
	cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	if m.ImageURL != "" {
		parts := []chatContentPart{}
		if m.Content != "" {
			parts = append(parts, chatContentPart{Type: "text", Text: m.Content})
		}
		parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: m.ImageURL}})
		cm.Content = parts
	}
	for _, tc := range m.ToolCalls {
		args := string(tc.Args)
		if args == "" {
			args = "{}"
		}
		cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: chatFunctionCall{Name: tc.Name, Arguments: args},
		})
	}
	// Assistant turns that only call tools carry null content
	if m.Role == ports.RoleAssistant && m.Content == "" && len(cm.ToolCalls) > 0 {
		cm.Content = nil
	}
	return cm
}

func apiError(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, StatusCode: status}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		e.Message = env.Error.Message
		e.Type = env.Error.Type
		return e
	}
	if len(body) > 512 {
		body = body[:512]
	}
	e.Message = string(bytes.TrimSpace(body))
	return e
}

// Ensure OpenAIProvider implements the Provider interface.
var _ ports.Provider = (*OpenAIProvider)(nil)
