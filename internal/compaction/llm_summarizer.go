package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// summarizationSystemPrompt instructs the model to produce a compact,
// fact-preserving digest rather than a narrative recap.
const summarizationSystemPrompt = "Summarize the following conversation excerpt into a compact digest that preserves durable facts, decisions, and open action items. Omit pleasantries and restate nothing verbatim."

// LLMSummarizer implements Summarizer over any agent.LLMProvider,
// driving the same streaming Complete call the Agent Loop uses for a
// single non-streaming-to-the-user turn.
type LLMSummarizer struct {
	Provider agent.LLMProvider
	Model    string
}

// NewLLMSummarizer builds a Summarizer backed by provider using model
// for every summarization call.
func NewLLMSummarizer(provider agent.LLMProvider, model string) *LLMSummarizer {
	return &LLMSummarizer{Provider: provider, Model: model}
}

// GenerateSummary renders messages as a transcript and asks the provider
// to condense it, draining the completion stream into a single string.
func (s *LLMSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	req := &agent.CompletionRequest{
		Model:  s.Model,
		System: summarizationSystemPrompt,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: config.MaxChunkTokens,
	}

	chunks, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("summarization stream: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}
