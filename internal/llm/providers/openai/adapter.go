// Package openai implements the Model Adapter for OpenAI's
// Chat Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
)

// Adapter calls the OpenAI Chat Completions API directly over HTTP.
type Adapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func init() {
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		if strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) == "" {
			return nil, false, nil
		}
		a, err := NewFromEnv()
		if err != nil {
			return nil, true, err
		}
		return a, true, nil
	})
}

// NewFromEnv builds an Adapter from OPENAI_API_KEY / OPENAI_BASE_URL.
func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return New(key, os.Getenv("OPENAI_BASE_URL")), nil
}

// New constructs an Adapter against the real OpenAI API (or a compatible
// base URL override).
func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &Adapter{APIKey: strings.TrimSpace(apiKey), BaseURL: base, Client: &http.Client{}}
}

func (a *Adapter) Name() string { return "openai" }

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.ProviderAdapter.
func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		Tools:       toChatTools(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewRequestTimeoutError("openai", err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return llm.Response{}, llm.ErrorFromHTTPStatus("openai", resp.StatusCode, msg, raw, nil)
	}
	if len(parsed.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai: response has no choices")
	}
	choice := parsed.Choices[0]

	return llm.Response{
		Provider:     "openai",
		Message:      fromChatMessage(choice.Message),
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage:        llm.Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens},
	}, nil
}

// Stream implements llm.ProviderAdapter as a one-shot wrapper over Complete.
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.Complete(ctx, req)
	return llm.NewOneShotStream(resp, err), nil
}

func toChatMessages(msgs []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleTool:
			for _, p := range m.Content {
				if p.Kind == llm.ContentToolResult && p.ToolResult != nil {
					out = append(out, chatMessage{
						Role: "tool", ToolCallID: p.ToolResult.ToolCallID, Name: p.ToolResult.Name,
						Content: fmt.Sprint(p.ToolResult.Content),
					})
				}
			}
		case llm.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: m.Text()}
			for _, p := range m.Content {
				if p.Kind == llm.ContentToolCall && p.ToolCall != nil {
					tc := toolCall{ID: p.ToolCall.ID, Type: "function"}
					tc.Function.Name = p.ToolCall.Name
					tc.Function.Arguments = string(p.ToolCall.Arguments)
					cm.ToolCalls = append(cm.ToolCalls, tc)
				}
			}
			out = append(out, cm)
		default:
			out = append(out, chatMessage{Role: string(m.Role), Content: m.Text()})
		}
	}
	return out
}

func fromChatMessage(m chatMessage) llm.Message {
	var parts []llm.ContentPart
	if m.Content != "" {
		parts = append(parts, llm.ContentPart{Kind: llm.ContentText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, llm.ContentPart{Kind: llm.ContentToolCall, ToolCall: &llm.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments),
		}})
	}
	return llm.Message{Role: llm.RoleAssistant, Content: parts}
}

func toChatTools(defs []llm.ToolDefinition) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(defs))
	for _, d := range defs {
		var t chatTool
		t.Type = "function"
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = d.Parameters
		out = append(out, t)
	}
	return out
}

func normalizeFinishReason(r string) string {
	if r == "tool_calls" {
		return "tool_calls"
	}
	return r
}
