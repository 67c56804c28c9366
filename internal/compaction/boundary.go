package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// L3 trigger and target thresholds (§4.4).
const (
	CompactionThreshold     = 0.90
	CompactionTargetPercent = 50
)

// summaryPrompt is the fixed system prompt used for the compaction call.
const summaryPrompt = `Summarize the following conversation excerpt into a structured
summary with these sections: Context, Key Decisions, Changes Made, Current State,
Pending Items. Be concise; the summary must fit within 2000 tokens.`

// BoundaryResult reports the outcome of an L3 compaction attempt.
type BoundaryResult struct {
	WasCompacted     bool
	Part             *models.MessagePart
	BoundaryMsgID    string
	NewEstimatedTokens int
}

// Compact implements the full L3 contract: selecting the minimum prefix to
// retire, summarizing it via summarizer, writing a Compaction part on the
// first surviving message, and marking the prefix compacted.
//
// messages must be ordered oldest-first and already exclude any message
// already marked IsCompacted. currentTokens/contextLimit drive the trigger
// and target computation.
func Compact(ctx context.Context, sessionID string, messages []*models.Message, currentTokens, contextLimit int, summarizer Summarizer, config *SummarizationConfig) (*BoundaryResult, []string /* compacted message ids */, error) {
	if float64(currentTokens) < float64(contextLimit)*CompactionThreshold {
		return &BoundaryResult{WasCompacted: false}, nil, nil
	}

	tokensToRemove := currentTokens - contextLimit*CompactionTargetPercent/100

	prefix, nextIdx := selectPrefix(messages, tokensToRemove)
	if len(prefix) < 2 {
		return &BoundaryResult{WasCompacted: false}, nil, nil
	}

	internal := toInternalMessages(prefix)

	if config == nil {
		config = DefaultSummarizationConfig()
	}
	config.CustomInstructions = summaryPrompt
	config.ReserveTokens = 2000

	summary, err := SummarizeWithFallback(ctx, internal, summarizer, config)
	if err != nil {
		summary = fmt.Sprintf("Compaction summary unavailable: %v", err)
	}

	var boundaryMsgID string
	if nextIdx < len(messages) {
		boundaryMsgID = messages[nextIdx].ID
	}

	removedTokens := EstimateMessagesTokens(internal)
	now := time.Now()
	part := &models.MessagePart{
		ID:                     uuid.NewString(),
		MessageID:              boundaryMsgID,
		Kind:                   models.PartCompaction,
		CreatedAt:              now,
		UpdatedAt:              now,
		Summary:                summary,
		CompactedMessageCount:  len(prefix),
		CompactedTokenCount:    removedTokens,
		CompactedAt:            &now,
	}

	ids := make([]string, 0, len(prefix))
	for _, m := range prefix {
		ids = append(ids, m.ID)
	}

	return &BoundaryResult{
		WasCompacted:       true,
		Part:               part,
		BoundaryMsgID:       boundaryMsgID,
		NewEstimatedTokens: currentTokens - removedTokens,
	}, ids, nil
}

// selectPrefix picks the minimum prefix of non-system messages whose
// summed token estimate stays below tokensToRemove. Because system
// messages are skipped rather than selected, the selected set is not
// necessarily messages[:len(prefix)]; nextIdx is the index in messages
// of the first message after the last selected one (len(messages) when
// nothing survives), which is what the boundary must attach to.
func selectPrefix(messages []*models.Message, tokensToRemove int) (prefix []*models.Message, nextIdx int) {
	if tokensToRemove <= 0 {
		return nil, 0
	}
	acc := 0
	for i, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		tok := EstimateTokens(&Message{Content: m.Content})
		if acc+tok > tokensToRemove && len(prefix) > 0 {
			break
		}
		prefix = append(prefix, m)
		acc += tok
		nextIdx = i + 1
		if acc >= tokensToRemove {
			break
		}
	}
	return prefix, nextIdx
}

func toInternalMessages(messages []*models.Message) []*Message {
	out := make([]*Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, &Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        m.ID,
		})
	}
	return out
}

// SyntheticSummaryMessageID is the sentinel id used for the synthetic
// system message returned by LoadWithBoundary.
const SyntheticSummaryMessageID = ""

// LoadWithBoundary implements §4.4 "Loading with boundary": given the full
// set of a session's message parts (to find the most recent compaction
// boundary) and the session's messages, returns the history the agent
// loop should see.
func LoadWithBoundary(parts []models.MessagePart, allMessages []*models.Message) []*models.Message {
	var latest *models.MessagePart
	for i := range parts {
		if parts[i].Kind != models.PartCompaction {
			continue
		}
		if latest == nil || (parts[i].CompactedAt != nil && latest.CompactedAt != nil && parts[i].CompactedAt.After(*latest.CompactedAt)) {
			p := parts[i]
			latest = &p
		}
	}
	if latest == nil {
		out := make([]*models.Message, 0, len(allMessages))
		for _, m := range allMessages {
			if !m.IsCompacted {
				out = append(out, m)
			}
		}
		return out
	}

	synthetic := &models.Message{
		ID:        SyntheticSummaryMessageID,
		Role:      models.RoleSystem,
		Content:   "=== Compacted conversation summary ===\n" + latest.Summary + "\n=== End summary ===",
		CreatedAt: time.Now(),
	}

	result := []*models.Message{synthetic}
	boundarySeq := findSequence(allMessages, latest.MessageID)
	for _, m := range allMessages {
		if m.Sequence > boundarySeq || m.ID == latest.MessageID {
			result = append(result, m)
		}
	}
	return result
}

func findSequence(messages []*models.Message, id string) int64 {
	for _, m := range messages {
		if m.ID == id {
			return m.Sequence
		}
	}
	return -1
}
