package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// Compile-time check that AnthropicSDK implements Runtime.
var _ Runtime = (*AnthropicSDK)(nil)

// AnthropicSDKName is the registry type of the in-process SDK runtime.
const AnthropicSDKName = "anthropic-sdk"

// defaultSDKModel is used when no model is configured.
const defaultSDKModel = "claude-sonnet-4-20250514"

// defaultMaxTokens caps the response when the caller does not configure one.
const defaultMaxTokens = 4096

// AnthropicSDK executes agent invocations in-process through the Anthropic
// Messages API. Unlike the CLI transport it cannot touch the working tree;
// it suits read-only stages (reviews, summaries, the context reducer) and
// reports exact token usage.
type AnthropicSDK struct {
	// BaseURL overrides the API endpoint, primarily for tests.
	BaseURL string

	logger *log.Logger
}

// NewAnthropicSDK creates the SDK runtime. The logger may be nil.
func NewAnthropicSDK(logger *log.Logger) *AnthropicSDK {
	return &AnthropicSDK{logger: logger}
}

// Name returns the runtime identifier "anthropic-sdk".
func (a *AnthropicSDK) Name() string { return AnthropicSDKName }

// Capabilities reports the SDK transport's feature set. The SDK path is a
// single-message exchange: no tool loop, no MCP.
func (a *AnthropicSDK) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreaming:        false,
		SupportsTokenTracking:    true,
		SupportsMCP:              false,
		SupportsContextReduction: true,
		AvailableModels: []string{
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
			"claude-3-5-haiku-20241022",
		},
		PermissionModes: []string{config.PermissionDefault},
	}
}

// CheckAvailable verifies that a credential can be resolved from the
// environment. Explicit per-request keys are checked at execution time.
func (a *AnthropicSDK) CheckAvailable() error {
	if AmbientAnthropicKey() == "" {
		return fmt.Errorf("anthropic-sdk: no ANTHROPIC_API_KEY or CLAUDE_API_KEY in environment")
	}
	return nil
}

// Execute sends a single message request and returns the assistant text and
// token usage.
func (a *AnthropicSDK) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	key := ResolveAPIKey(req.Options)
	if key == "" {
		key = AmbientAnthropicKey()
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic-sdk: no API key resolved")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(key)}
	if a.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	model := req.Options.Model
	if model == "" {
		model = defaultSDKModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	if a.logger != nil {
		a.logger.Debug("calling messages API", "model", model)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("anthropic-sdk: %w", ctxErr)
		}
		return nil, fmt.Errorf("anthropic-sdk: messages: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	if req.OnOutputUpdate != nil && text != "" {
		req.OnOutputUpdate(firstLine(text))
	}

	return &Result{
		TextOutput: text,
		TokenUsage: &state.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Metadata: Metadata{
			Runtime:    AnthropicSDKName,
			DurationMs: time.Since(start).Milliseconds(),
			Model:      string(msg.Model),
		},
	}, nil
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
