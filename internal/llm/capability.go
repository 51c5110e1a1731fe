package llm

import "strings"

// Capability describes what a model identifier supports: the
// capability registry the agent loop consults to pick its protocol
// (structured function-call vs textual thought/action transcript) and the
// model adapter consults to decide which request parameters it may forward.
type Capability struct {
	SupportsToolCalls     bool
	SupportsStopParameter bool
	MaxTokens             int
	FallbackModel         string
}

// CapabilityRegistry is an immutable lookup table, built once at process
// start from the built-in table below, optionally overlaid by entries
// derived from a loaded ModelCatalog.
type CapabilityRegistry struct {
	entries map[string]Capability
	def     Capability
}

// defaultCapability is used for any model identifier with no explicit entry:
// conservative (no tool calls, no stop parameter) so an unrecognized model
// degrades to the textual transcript protocol rather than failing outright.
var defaultCapability = Capability{
	SupportsToolCalls:     false,
	SupportsStopParameter: false,
	MaxTokens:             4096,
}

// builtinCapabilities seeds the registry with the model families the
// provider adapters in this module know how to call.
func builtinCapabilities() map[string]Capability {
	return map[string]Capability{
		"claude-opus-4":    {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 32000, FallbackModel: "claude-sonnet-4"},
		"claude-sonnet-4":  {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 64000, FallbackModel: "claude-haiku-4"},
		"claude-haiku-4":   {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 32000},
		"gpt-4.1":          {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 32768, FallbackModel: "gpt-4o"},
		"gpt-4o":           {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 16384, FallbackModel: "gpt-4o-mini"},
		"gpt-4o-mini":      {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 16384},
		"o3":               {SupportsToolCalls: true, SupportsStopParameter: false, MaxTokens: 100000, FallbackModel: "gpt-4.1"},
		"o4-mini":          {SupportsToolCalls: true, SupportsStopParameter: false, MaxTokens: 100000, FallbackModel: "gpt-4o"},
		"gemini-2.5-pro":   {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 65536, FallbackModel: "gemini-2.5-flash"},
		"gemini-2.5-flash": {SupportsToolCalls: true, SupportsStopParameter: true, MaxTokens: 65536},
		"kimi-coding":      {SupportsToolCalls: true, SupportsStopParameter: false, MaxTokens: 32768, FallbackModel: "gpt-4o"},
	}
}

// NewCapabilityRegistry builds the registry from the built-in table. catalog
// may be nil; when non-nil, any model it lists that the built-in table
// doesn't already cover is added with a capability inferred from the
// catalog's SupportsTools bit, so models discovered only through an
// OpenRouter/LiteLLM catalog dump are still routable.
func NewCapabilityRegistry(catalog *ModelCatalog) *CapabilityRegistry {
	entries := builtinCapabilities()
	if catalog != nil {
		for _, m := range catalog.Models {
			key := strings.ToLower(m.ID)
			if _, exists := entries[key]; exists {
				continue
			}
			maxTok := defaultCapability.MaxTokens
			if m.MaxOutputTokens != nil && *m.MaxOutputTokens > 0 {
				maxTok = *m.MaxOutputTokens
			}
			entries[key] = Capability{
				SupportsToolCalls:     m.SupportsTools,
				SupportsStopParameter: m.SupportsTools, // conservative: tool-call-capable models reliably accept stop too
				MaxTokens:             maxTok,
			}
		}
	}
	return &CapabilityRegistry{entries: entries, def: defaultCapability}
}

// Lookup returns the capability entry for modelID, falling back to the
// conservative default for unknown identifiers. Matching is prefix-based on
// the lower-cased ID so dated/versioned suffixes (e.g. "-20260115") still
// resolve to their family entry.
func (r *CapabilityRegistry) Lookup(modelID string) Capability {
	if r == nil {
		return defaultCapability
	}
	key := strings.ToLower(strings.TrimSpace(modelID))
	if c, ok := r.entries[key]; ok {
		return c
	}
	for prefix, c := range r.entries {
		if strings.HasPrefix(key, prefix) {
			return c
		}
	}
	return r.def
}

// ApplyCapability silently drops request parameters the capability bits
// disallow (stop, tools) and clamps MaxTokens to the model's ceiling.
func ApplyCapability(req Request, cap Capability) Request {
	if !cap.SupportsStopParameter {
		req.Stop = nil
	}
	if cap.MaxTokens > 0 {
		if req.MaxTokens == nil || *req.MaxTokens > cap.MaxTokens {
			v := cap.MaxTokens
			req.MaxTokens = &v
		}
	}
	if !cap.SupportsToolCalls {
		req.Tools = nil
	}
	return req
}
