package tokens

import (
	"strconv"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Pruning thresholds, see §4.3.
const (
	PruneProtectTokens      = 40000
	PruneOutputRetainChars  = 2000
	PruneMinimumTokens      = 20000
	DefaultMaxOutputTokens  = 16384
)

// PruneResult reports the outcome of an L2 pruning pass.
type PruneResult struct {
	TokensBefore int
	TokensAfter  int
	PartsPruned  int
	WasPruned    bool
}

// ShouldPrune reports whether both prune preconditions hold (§4.3 decision table).
func ShouldPrune(currentTokens, contextLimit int) bool {
	roomForOutput := currentTokens >= contextLimit-DefaultMaxOutputTokens
	worthPruning := currentTokens >= PruneProtectTokens
	return roomForOutput && worthPruning
}

// Prune clones parts, shortening old tool outputs while protecting the
// newest PruneProtectTokens worth of content from modification. It is a
// pure function: the input slice and its parts are never mutated.
func Prune(parts []models.MessagePart, currentTokens, contextLimit int) ([]models.MessagePart, PruneResult) {
	result := PruneResult{TokensBefore: currentTokens}

	if !ShouldPrune(currentTokens, contextLimit) {
		result.TokensAfter = currentTokens
		return clone(parts), result
	}

	boundary := protectionBoundary(parts)

	out := make([]models.MessagePart, len(parts))
	copy(out, parts)

	removedTokens := 0
	now := time.Now()

	for i := 0; i < boundary; i++ {
		if removedTokens >= PruneMinimumTokens {
			break
		}
		p := out[i]
		if p.Kind != models.PartTool || p.IsPruned {
			continue
		}
		if len(p.Output) <= PruneOutputRetainChars {
			continue
		}
		before := p.EstimatedTokens()
		pruned := p
		pruned.Output = p.Output[:PruneOutputRetainChars] + "\n\n[Output pruned: kept first " + strconv.Itoa(PruneOutputRetainChars) + " chars]"
		pruned.IsPruned = true
		pruned.UpdatedAt = now
		out[i] = pruned
		after := pruned.EstimatedTokens()

		removedTokens += before - after
		result.PartsPruned++
	}

	result.WasPruned = result.PartsPruned > 0
	result.TokensAfter = currentTokens - removedTokens
	return out, result
}

// protectionBoundary scans parts from newest to oldest, accumulating
// per-part token estimates until the next part would push the
// accumulator above PruneProtectTokens. It returns the index (exclusive)
// before which parts are eligible for pruning; parts at or after the
// returned index are immutable.
func protectionBoundary(parts []models.MessagePart) int {
	acc := 0
	boundary := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		tok := parts[i].EstimatedTokens()
		if acc+tok > PruneProtectTokens {
			boundary = i + 1
			return boundary
		}
		acc += tok
		boundary = i
	}
	return boundary
}

func clone(parts []models.MessagePart) []models.MessagePart {
	out := make([]models.MessagePart, len(parts))
	copy(out, parts)
	return out
}

// EstimateTokens applies the 4-chars-per-token heuristic to raw text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateRequestTokens estimates tokens for a full chat request: message
// content plus a 4-token-per-message structural overhead plus the
// serialized tool schema length, per §4.1 step 1.
func EstimateRequestTokens(messageTexts []string, toolSchemaJSON string) int {
	total := EstimateTokens(toolSchemaJSON)
	for _, m := range messageTexts {
		total += EstimateTokens(m) + 4
	}
	return total
}
