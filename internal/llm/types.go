package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the speaker of a Message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the payload carried by a ContentPart.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentToolCall    ContentKind = "tool_call"
	ContentToolResult  ContentKind = "tool_result"
	ContentThinking    ContentKind = "thinking"
	ContentRedThinking ContentKind = "redacted_thinking"
)

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolCallData is the normalized shape the agent loop dispatches to the tool layer.
type ToolCallData struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResultPart carries a tool's output back into the conversation.
type ToolResultPart struct {
	ToolCallID string
	Name       string
	Content    any
	IsError    bool
}

// ThinkingPart carries extended-thinking/reasoning content some providers return.
type ThinkingPart struct {
	Text      string
	Signature string
}

// ContentPart is one unit of a Message's content. Exactly one of the pointer/value
// fields matching Kind is populated.
type ContentPart struct {
	Kind       ContentKind
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResultPart
	Thinking   *ThinkingPart
}

// Message is a single turn in the conversation sent to or received from a provider.
type Message struct {
	Role       Role
	Name       string
	ToolCallID string
	Content    []ContentPart
}

// Text concatenates every text content part of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func System(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

func User(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// ToolResultNamed builds a tool-role message carrying a single tool's output.
func ToolResultNamed(callID, name, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: callID,
		Name:       name,
		Content: []ContentPart{{
			Kind: ContentToolResult,
			ToolResult: &ToolResultPart{
				ToolCallID: callID,
				Name:       name,
				Content:    content,
				IsError:    isError,
			},
		}},
	}
}

// ToolDefinition describes a callable tool in provider-agnostic JSON-Schema form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a provider-agnostic completion/stream request.
type Request struct {
	Provider        string
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	Temperature     *float64
	MaxTokens       *int
	Stop            []string
	ReasoningEffort *string
	ProviderOptions map[string]any
}

// Validate enforces the minimal shape every provider adapter can rely on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request is missing a model id"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	return nil
}

// Response is a completed (non-streaming) provider reply.
type Response struct {
	Provider     string
	Message      Message
	FinishReason string
	Usage        Usage
}

// Usage reports token accounting, when the provider supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Text returns the assistant's text content, if any.
func (r Response) Text() string { return r.Message.Text() }

// ToolCalls extracts every tool-call content part from the response message.
func (r Response) ToolCalls() []ToolCallData {
	var out []ToolCallData
	for _, p := range r.Message.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, ToolCallData{ID: p.ToolCall.ID, Name: p.ToolCall.Name, Arguments: p.ToolCall.Arguments})
		}
	}
	return out
}

// StreamEventKind discriminates incremental events from a provider Stream.
type StreamEventKind string

const (
	StreamTextDelta StreamEventKind = "text_delta"
	StreamToolCall  StreamEventKind = "tool_call"
	StreamDone      StreamEventKind = "done"
)

// StreamEvent is one increment of a streamed completion.
type StreamEvent struct {
	Kind     StreamEventKind
	Delta    string
	ToolCall *ToolCall
	Response *Response // populated on StreamDone
	Err      error
}

// Stream yields StreamEvents until closed. Implementations must be single-consumer.
type Stream interface {
	Next() (StreamEvent, bool)
	Close() error
}

// ValidateToolName rejects names that would not survive a round trip through every
// provider's function-calling schema (alnum, underscore, hyphen; provider limits vary,
// 64 is the tightest of the adapters this client registers).
func ValidateToolName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("tool name %q exceeds 64 characters", name)
	}
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if !ok {
			return fmt.Errorf("tool name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
