package providerspec

var builtinSpecs = map[string]Spec{
	"openai": {
		Key: "openai",
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.openai.com",
			DefaultPath:      "/v1/chat/completions",
			DefaultAPIKeyEnv: "OPENAI_API_KEY",
		},
	},
	"anthropic": {
		Key: "anthropic",
		API: &APISpec{
			Protocol:         ProtocolAnthropicMessages,
			DefaultBaseURL:   "https://api.anthropic.com",
			DefaultPath:      "/v1/messages",
			DefaultAPIKeyEnv: "ANTHROPIC_API_KEY",
		},
	},
	"google": {
		Key:     "google",
		Aliases: []string{"gemini", "google_ai_studio"},
		API: &APISpec{
			Protocol:         ProtocolGoogleGenerateContent,
			DefaultBaseURL:   "https://generativelanguage.googleapis.com",
			DefaultPath:      "/v1beta/models/{model}:generateContent",
			DefaultAPIKeyEnv: "GEMINI_API_KEY",
		},
	},
	"kimi": {
		Key:     "kimi",
		Aliases: []string{"moonshot", "moonshotai"},
		API: &APISpec{
			Protocol:         ProtocolAnthropicMessages,
			DefaultBaseURL:   "https://api.kimi.com/coding",
			DefaultPath:      "/v1/messages",
			DefaultAPIKeyEnv: "KIMI_API_KEY",
		},
	},
	"zai": {
		Key:     "zai",
		Aliases: []string{"z-ai", "z.ai"},
		API: &APISpec{
			Protocol:         ProtocolOpenAIChatCompletions,
			DefaultBaseURL:   "https://api.z.ai",
			DefaultPath:      "/api/coding/paas/v4/chat/completions",
			DefaultAPIKeyEnv: "ZAI_API_KEY",
		},
	},
}

func Builtin(key string) (Spec, bool) {
	s, ok := builtinSpecs[CanonicalProviderKey(key)]
	if !ok {
		return Spec{}, false
	}
	return cloneSpec(s), true
}

func Builtins() map[string]Spec {
	out := make(map[string]Spec, len(builtinSpecs))
	for key, spec := range builtinSpecs {
		out[key] = cloneSpec(spec)
	}
	return out
}

func cloneSpec(in Spec) Spec {
	out := in
	if in.API != nil {
		api := *in.API
		out.API = &api
	}
	out.Aliases = append([]string{}, in.Aliases...)
	return out
}
