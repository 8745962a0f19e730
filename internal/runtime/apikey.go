package runtime

import (
	"os"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// Environment variables checked for ambient Anthropic credentials, in order.
var anthropicKeyEnvVars = []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}

// ResolveAPIKey resolves the credential for a request: an explicit apiKey
// wins, then the variable named by apiKeyEnv, then nothing (the runtime may
// still succeed with ambient auth). The environment is read on every call,
// so each invocation sees the variable's value at that moment; nothing is
// cached when the runtime is built.
func ResolveAPIKey(opts config.RuntimeOptions) string {
	if opts.APIKey != "" {
		return opts.APIKey
	}
	if opts.APIKeyEnv != "" {
		return os.Getenv(opts.APIKeyEnv)
	}
	return ""
}

// AmbientAnthropicKey returns the first Anthropic credential present in the
// environment, or an empty string.
func AmbientAnthropicKey() string {
	for _, name := range anthropicKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
