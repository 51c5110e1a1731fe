// Package openaicompat implements the Model Adapter for any
// provider that speaks the OpenAI chat-completions wire format but is not
// OpenAI itself (Kimi/Moonshot, Z.ai, OpenRouter-style aggregators).
package openaicompat

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
	"github.com/novasolve/ci-auto-rescue-sub001/internal/providerspec"
)

// Config describes one OpenAI-compatible backend. Provider is the canonical
// routing key (e.g. "kimi", "zai"), used lowercased as the Adapter's Name().
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string
}

// Adapter calls an OpenAI-chat-completions-shaped API over HTTP.
type Adapter struct {
	cfg    Config
	Client *http.Client
}

// New builds an Adapter from an explicit Config, filling in defaults the
// same way the provider registry's builtin specs do.
func New(cfg Config) *Adapter {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Path == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &Adapter{cfg: cfg, Client: &http.Client{}}
}

// NewFromSpec builds an Adapter from a registered providerspec.Spec, using
// its declared base URL, path, and API-key environment variable.
func NewFromSpec(key string) (*Adapter, bool, error) {
	spec, ok := providerspec.Builtin(key)
	if !ok {
		return nil, false, nil
	}
	apiKey := strings.TrimSpace(os.Getenv(spec.API.DefaultAPIKeyEnv))
	if apiKey == "" {
		return nil, false, nil
	}
	return New(Config{
		Provider: spec.Key,
		APIKey:   apiKey,
		BaseURL:  spec.API.DefaultBaseURL,
		Path:     spec.API.DefaultPath,
	}), true, nil
}

func init() {
	// zai speaks plain OpenAI chat-completions; kimi's spec declares the
	// Anthropic Messages protocol instead and is wired by the anthropic
	// adapter's own env factory.
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		a, ok, err := NewFromSpec("zai")
		if err != nil || !ok {
			return nil, ok, err
		}
		return a, true, nil
	})
}

func (a *Adapter) Name() string { return a.cfg.Provider }

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
		return llm.Response{}, fmt.Errorf("%s: marshal request: %w", a.cfg.Provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.Path, bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s: build request: %w", a.cfg.Provider, err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	for k, v := range a.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewRequestTimeoutError(a.cfg.Provider, err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s: read response: %w", a.cfg.Provider, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, fmt.Errorf("%s: decode response: %w", a.cfg.Provider, err)
	}
	if resp.StatusCode >= 400 {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.cfg.Provider, resp.StatusCode, msg, raw, nil)
	}
	if len(parsed.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%s: response has no choices", a.cfg.Provider)
	}
	choice := parsed.Choices[0]

	return llm.Response{
		Provider:     a.cfg.Provider,
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

func normalizeFinishReason(r string) string { return r }
