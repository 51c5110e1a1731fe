// Package google implements the Model Adapter for Google's
// Generative Language (Gemini) API.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/novasolve/ci-auto-rescue-sub001/internal/llm"
)

// Adapter calls the Gemini generateContent API directly over HTTP.
type Adapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func init() {
	llm.RegisterEnvAdapterFactory(func() (llm.ProviderAdapter, bool, error) {
		if strings.TrimSpace(os.Getenv("GEMINI_API_KEY")) == "" && strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")) == "" {
			return nil, false, nil
		}
		a, err := NewFromEnv()
		if err != nil {
			return nil, true, err
		}
		return a, true, nil
	})
}

// NewFromEnv builds an Adapter from GEMINI_API_KEY (falling back to
// GOOGLE_API_KEY) / GEMINI_BASE_URL.
func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	if key == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	return New(key, os.Getenv("GEMINI_BASE_URL")), nil
}

// New constructs an Adapter against the real Gemini API (or a compatible
// base URL override).
func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	return &Adapter{APIKey: strings.TrimSpace(apiKey), BaseURL: base, Client: &http.Client{}}
}

// Name reports "google"; providerspec.CanonicalProviderKey maps the
// "gemini" alias onto this same name for routing.
func (a *Adapter) Name() string { return "google" }

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *geminiFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResult `json:"functionResponse,omitempty"`
}

type geminiFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFnResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.ProviderAdapter.
func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	system, contents := toGeminiContents(req.Messages)
	body := geminiRequest{Contents: contents, Tools: toGeminiTools(req.Tools)}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		body.GenerationConfig = &struct {
			Temperature     *float64 `json:"temperature,omitempty"`
			MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
			StopSequences   []string `json:"stopSequences,omitempty"`
		}{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens, StopSequences: req.Stop}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.BaseURL, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.APIKey)

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.NewRequestTimeoutError("google", err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, fmt.Errorf("google: decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return llm.Response{}, llm.ErrorFromHTTPStatus("google", resp.StatusCode, msg, raw, nil)
	}
	if len(parsed.Candidates) == 0 {
		return llm.Response{}, fmt.Errorf("google: response has no candidates")
	}
	cand := parsed.Candidates[0]

	return llm.Response{
		Provider:     "google",
		Message:      fromGeminiContent(cand.Content),
		FinishReason: normalizeFinishReason(cand.FinishReason),
		Usage: llm.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// Stream implements llm.ProviderAdapter as a one-shot wrapper over Complete.
func (a *Adapter) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.Complete(ctx, req)
	return llm.NewOneShotStream(resp, err), nil
}

func toGeminiContents(msgs []llm.Message) (system string, out []geminiContent) {
	var systems []string
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			systems = append(systems, m.Text())
		case llm.RoleTool:
			for _, p := range m.Content {
				if p.Kind == llm.ContentToolResult && p.ToolResult != nil {
					out = append(out, geminiContent{Role: "function", Parts: []geminiPart{{
						FunctionResponse: &geminiFnResult{
							Name:     p.ToolResult.Name,
							Response: map[string]any{"result": fmt.Sprint(p.ToolResult.Content)},
						},
					}}})
				}
			}
		case llm.RoleAssistant:
			out = append(out, geminiContent{Role: "model", Parts: toGeminiParts(m)})
		default:
			out = append(out, geminiContent{Role: "user", Parts: toGeminiParts(m)})
		}
	}
	return strings.Join(systems, "\n\n"), out
}

func toGeminiParts(m llm.Message) []geminiPart {
	var parts []geminiPart
	for _, p := range m.Content {
		switch p.Kind {
		case llm.ContentText:
			if p.Text != "" {
				parts = append(parts, geminiPart{Text: p.Text})
			}
		case llm.ContentToolCall:
			if p.ToolCall != nil {
				var args map[string]any
				_ = json.Unmarshal(p.ToolCall.Arguments, &args)
				parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{Name: p.ToolCall.Name, Args: args}})
			}
		}
	}
	return parts
}

func fromGeminiContent(c geminiContent) llm.Message {
	var parts []llm.ContentPart
	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			parts = append(parts, llm.ContentPart{Kind: llm.ContentText, Text: p.Text})
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			parts = append(parts, llm.ContentPart{Kind: llm.ContentToolCall, ToolCall: &llm.ToolCall{
				Name: p.FunctionCall.Name, Arguments: args,
			}})
		}
	}
	return llm.Message{Role: llm.RoleAssistant, Content: parts}
}

func toGeminiTools(defs []llm.ToolDefinition) []geminiTool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDecl, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, geminiFunctionDecl{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func normalizeFinishReason(r string) string {
	switch r {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(r)
	}
}
