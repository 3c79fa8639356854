package agent

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Retry tuning per spec §4.3's "runAgent" wrapper.
const (
	agentMaxRetries   = 3
	agentBaseDelayMs  = 1000
	agentMaxDelayMs   = 10000
	agentJitterFactor = 0.3
)

// retryableSubstrings are matched case-insensitively against an error's
// message; anything else surfaces immediately without retry.
var retryableSubstrings = []string{
	"econnreset", "etimedout", "econnrefused",
	"rate_limit", "overloaded",
	"529", "503", "502",
	"socket hang up", "network error",
}

func isRetryableAgentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// runAgent wraps fn in an exponential-backoff retry, only retrying errors
// isRetryableAgentError accepts. Delay doubles each attempt, capped at
// agentMaxDelayMs, with up to 30% jitter added on top.
func runAgent(ctx context.Context, fn func(ctx context.Context) (*RunResult, error)) (*RunResult, error) {
	var lastErr error
	for attempt := 0; attempt <= agentMaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == agentMaxRetries || !isRetryableAgentError(err) {
			return nil, err
		}

		delayMs := math.Min(float64(agentBaseDelayMs)*math.Pow(2, float64(attempt)), float64(agentMaxDelayMs))
		jitter := rand.Float64() * agentJitterFactor * delayMs
		delay := time.Duration(delayMs+jitter) * time.Millisecond

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
