package providers

import "context"

// Option keys accepted in ChatRequest.Options.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level" // "off", "low", "medium", "high"
)

// ThinkingCapable is implemented by providers that support extended/visible
// thinking (e.g. Anthropic's thinking blocks). No caller checks
// SupportsThinking before setting OptThinkingLevel.
type ThinkingCapable interface {
	SupportsThinking() bool
}

// VisionCapable is implemented by providers that accept image content
// blocks on a user message. The agent runner checks this before attaching
// attachments (spec §4.3 step 2's vision fallback).
type VisionCapable interface {
	SupportsVision() bool
}

type retryHookKey struct{}

// RetryHook is invoked by a provider's internal retry loop just before each
// retry attempt, so callers (e.g. a channel's "thinking…" placeholder) can
// surface retry progress to the user.
type RetryHook func(attempt, maxAttempts int, err error)

// WithRetryHook attaches a retry callback to ctx for the duration of a Chat/
// ChatStream call.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

// RetryHookFromContext returns the retry hook attached to ctx, or a no-op.
func RetryHookFromContext(ctx context.Context) RetryHook {
	if h, ok := ctx.Value(retryHookKey{}).(RetryHook); ok && h != nil {
		return h
	}
	return func(int, int, error) {}
}
