// Package engine implements the Agent Loop: streaming a model turn to
// completion, assembling tool calls, retrying transient provider errors,
// detecting truncated responses, and driving tool execution through the
// permission engine and hook pipeline.
package engine

import (
	"strings"

	"github.com/haasonsaas/nexus/internal/backoff"
)

// RetryPolicy is the Agent Loop's fixed backoff schedule (§4.1.1):
// initial 2s, factor 2, cap 30s, at most 5 attempts, no jitter.
var RetryPolicy = backoff.BackoffPolicy{
	InitialMs: 2000,
	MaxMs:     30000,
	Factor:    2,
	Jitter:    0,
}

// MaxRetryAttempts bounds the retry loop for a single streaming call.
const MaxRetryAttempts = 5

// retryableSubstrings classifies a provider error as transient by
// case-insensitive substring match against its text (§4.1.1). Anything
// that doesn't match is fatal for the turn.
var retryableSubstrings = []string{
	"connection", "timeout", "econnreset", "network",
	"rate", "too many requests", "429", "throttl",
	"500", "502", "503", "504", "server error", "overloaded", "unavailable",
	"exhausted", "capacity", "ended prematurely",
}

// IsRetryable reports whether err's text matches one of the retryable
// substrings.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
