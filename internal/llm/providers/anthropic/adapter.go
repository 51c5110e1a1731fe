// Package anthropic implements the Model Adapter for Anthropic's
// Messages API.
package anthropic

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

// Adapter calls the Anthropic Messages API directly over HTTP with
// net/http and encoding/json; no official provider SDK dependency.
type Adapter struct {
	Provider string
	APIKey   string
	BaseURL  string
	Client   *http.Client
}

func init() {
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		if strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")) == "" {
			return nil, false, nil
		}
		a, err := NewFromEnv()
		if err != nil {
			return nil, true, err
		}
		return a, true, nil
	})
	// kimi's spec declares the Anthropic Messages protocol (providerspec
	// builtin.go), just against its own base URL and API key.
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		a, ok, err := NewFromSpec("kimi")
		if err != nil || !ok {
			return nil, ok, err
		}
		return a, true, nil
	})
}

// NewFromSpec builds an Adapter for any registered providerspec.Spec whose
// API protocol is the Anthropic Messages format (e.g. "kimi"), reading its
// API key from the spec's declared environment variable.
func NewFromSpec(key string) (*Adapter, bool, error) {
	spec, ok := providerspec.Builtin(key)
	if !ok || spec.API == nil || spec.API.Protocol != providerspec.ProtocolAnthropicMessages {
		return nil, false, nil
	}
	apiKey := strings.TrimSpace(os.Getenv(spec.API.DefaultAPIKeyEnv))
	if apiKey == "" {
		return nil, false, nil
	}
	return &Adapter{
		Provider: spec.Key,
		APIKey:   apiKey,
		BaseURL:  spec.API.DefaultBaseURL,
		Client:   &http.Client{},
	}, true, nil
}

// NewFromEnv builds an Adapter from ANTHROPIC_API_KEY / ANTHROPIC_BASE_URL.
func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return New(key, os.Getenv("ANTHROPIC_BASE_URL")), nil
}

// New constructs an Adapter against the real Anthropic API (or a compatible
// base URL override, e.g. for testing).
func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		spec, _ := providerspec.Builtin("anthropic")
		base = spec.API.DefaultBaseURL
	}
	return &Adapter{
		Provider: "anthropic",
		APIKey:   strings.TrimSpace(apiKey),
		BaseURL:  base,
		Client:   &http.Client{},
	}
}

func (a *Adapter) Name() string { return a.Provider }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicMessage  `json:"messages"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	StopSeq     []string            `json:"stop_sequences,omitempty"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.ProviderAdapter.
func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	system, messages := toAnthropicMessages(req.Messages)
	maxTokens := 4096
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Tools:       toAnthropicTools(req.Tools),
		Temperature: req.Temperature,
		StopSeq:     req.Stop,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s: marshal request: %w", a.Provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s: build request: %w", a.Provider, err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewRequestTimeoutError(a.Provider, err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s: read response: %w", a.Provider, err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, fmt.Errorf("%s: decode response: %w", a.Provider, err)
	}
	if resp.StatusCode >= 400 {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Provider, resp.StatusCode, msg, raw, nil)
	}

	return llm.Response{
		Provider:     a.Provider,
		Message:      fromAnthropicContent(parsed.Content),
		FinishReason: normalizeFinishReason(parsed.StopReason),
		Usage:        llm.Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens},
	}, nil
}

// Stream implements llm.ProviderAdapter as a one-shot wrapper over Complete;
// the agent loop only consumes non-streaming turns.
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.Complete(ctx, req)
	return llm.NewOneShotStream(resp, err), nil
}

func toAnthropicMessages(msgs []llm.Message) (system string, out []anthropicMessage) {
	var systems []string
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			systems = append(systems, m.Text())
		case llm.RoleTool:
			for _, p := range m.Content {
				if p.Kind == llm.ContentToolResult && p.ToolResult != nil {
					content := fmt.Sprint(p.ToolResult.Content)
					out = append(out, anthropicMessage{Role: "user", Content: []anthropicContentBlock{{
						Type: "tool_result", ToolUseID: p.ToolResult.ToolCallID, Content: content,
					}}})
				}
			}
		default:
			out = append(out, anthropicMessage{Role: string(m.Role), Content: toAnthropicContentBlocks(m)})
		}
	}
	return strings.Join(systems, "\n\n"), out
}

func toAnthropicContentBlocks(m llm.Message) []anthropicContentBlock {
	var blocks []anthropicContentBlock
	for _, p := range m.Content {
		switch p.Kind {
		case llm.ContentText:
			if p.Text != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
			}
		case llm.ContentToolCall:
			if p.ToolCall != nil {
				blocks = append(blocks, anthropicContentBlock{
					Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: p.ToolCall.Arguments,
				})
			}
		}
	}
	return blocks
}

func fromAnthropicContent(blocks []anthropicContentBlock) llm.Message {
	var parts []llm.ContentPart
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, llm.ContentPart{Kind: llm.ContentText, Text: b.Text})
		case "tool_use":
			parts = append(parts, llm.ContentPart{Kind: llm.ContentToolCall, ToolCall: &llm.ToolCall{
				ID: b.ID, Name: b.Name, Arguments: b.Input,
			}})
		}
	}
	return llm.Message{Role: llm.RoleAssistant, Content: parts}
}

func toAnthropicTools(defs []llm.ToolDefinition) []anthropicTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, anthropicTool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	return out
}

func normalizeFinishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}
