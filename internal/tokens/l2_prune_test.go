package tokens

import (
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func toolPart(id string, outputChars int) models.MessagePart {
	return models.MessagePart{
		ID:     id,
		Kind:   models.PartTool,
		Status: models.ToolPartCompleted,
		Output: strings.Repeat("o", outputChars),
	}
}

func textPart(id string, chars int) models.MessagePart {
	return models.MessagePart{
		ID:   id,
		Kind: models.PartText,
		Text: strings.Repeat("t", chars),
	}
}

func totalEstimate(parts []models.MessagePart) int {
	total := 0
	for _, p := range parts {
		total += p.EstimatedTokens()
	}
	return total
}

func TestShouldPrune(t *testing.T) {
	cases := []struct {
		name    string
		current int
		limit   int
		want    bool
	}{
		{"below both thresholds", 10000, 128000, false},
		{"worth pruning but room left", 50000, 128000, false},
		{"no room but too small to bother", 30000, 40000, false},
		{"no room and worth pruning", 120000, 128000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldPrune(tc.current, tc.limit); got != tc.want {
				t.Errorf("ShouldPrune(%d, %d) = %v, want %v", tc.current, tc.limit, got, tc.want)
			}
		})
	}
}

func TestPruneProtectsRecentParts(t *testing.T) {
	// Old oversized tool outputs followed by recent content that fits
	// inside the protection window.
	parts := []models.MessagePart{
		toolPart("old1", 100000),
		toolPart("old2", 100000),
		toolPart("old3", 100000),
		textPart("recent1", 4000),
		toolPart("recent2", 8000),
	}
	current := totalEstimate(parts)
	limit := current + 1000 // force the no-room condition

	pruned, result := Prune(parts, current, limit)
	if !result.WasPruned {
		t.Fatal("expected pruning to fire")
	}

	// The protected tail must be byte-identical to the input.
	for _, id := range []string{"recent1", "recent2"} {
		var in, out *models.MessagePart
		for i := range parts {
			if parts[i].ID == id {
				in = &parts[i]
			}
		}
		for i := range pruned {
			if pruned[i].ID == id {
				out = &pruned[i]
			}
		}
		if in == nil || out == nil {
			t.Fatalf("part %s missing from input or output", id)
		}
		if in.Output != out.Output || in.Text != out.Text || out.IsPruned {
			t.Errorf("protected part %s was modified", id)
		}
	}

	// Input parts must be untouched (pure function).
	for _, p := range parts {
		if p.IsPruned {
			t.Errorf("input part %s mutated in place", p.ID)
		}
	}
}

func TestPruneShortensOldToolOutputs(t *testing.T) {
	parts := []models.MessagePart{
		toolPart("old", 200000),
		textPart("recent", 1000),
	}
	current := totalEstimate(parts)

	pruned, result := Prune(parts, current, current+1000)
	if !result.WasPruned || result.PartsPruned != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got := pruned[0]
	if !got.IsPruned {
		t.Error("pruned part must have IsPruned set")
	}
	if !strings.HasPrefix(got.Output, strings.Repeat("o", PruneOutputRetainChars)) {
		t.Error("pruned output must keep the first PruneOutputRetainChars chars")
	}
	if !strings.Contains(got.Output, "[Output pruned: kept first 2000 chars]") {
		t.Errorf("missing prune marker in %q", got.Output[len(got.Output)-60:])
	}
	if got.Status != models.ToolPartCompleted {
		t.Error("pruning must not change the tool part status")
	}
	if result.TokensAfter >= result.TokensBefore {
		t.Errorf("tokens did not shrink: %d -> %d", result.TokensBefore, result.TokensAfter)
	}
}

func TestPruneStopsAtMinimumTokens(t *testing.T) {
	// Each old part holds ~25k tokens of output, so a single prune removes
	// roughly 24.5k tokens — more than PruneMinimumTokens. The second old
	// part must survive untouched.
	parts := []models.MessagePart{
		toolPart("old1", 100000),
		toolPart("old2", 100000),
		textPart("recent", 100),
	}
	current := totalEstimate(parts)

	pruned, result := Prune(parts, current, current+1000)
	if result.PartsPruned != 1 {
		t.Fatalf("PartsPruned = %d, want 1 (stop once PruneMinimumTokens is reached)", result.PartsPruned)
	}
	if pruned[1].IsPruned {
		t.Error("second old part should be untouched after the stopping rule fires")
	}
}

func TestPruneSkipsAlreadyPrunedAndSmallParts(t *testing.T) {
	already := toolPart("already", 100000)
	already.IsPruned = true
	parts := []models.MessagePart{
		already,
		toolPart("small", PruneOutputRetainChars), // at the retain threshold, not above
		// A newest part that alone overflows the protection window, so the
		// boundary leaves every older part eligible and only the per-part
		// skip conditions stand between them and pruning.
		textPart("huge-recent", 4*(PruneProtectTokens+1000)),
	}
	current := 200000 // force thresholds regardless of actual estimate

	_, result := Prune(parts, current, current+1000)
	if result.WasPruned {
		t.Errorf("nothing eligible, but PartsPruned = %d", result.PartsPruned)
	}
	if result.TokensAfter != current {
		t.Errorf("TokensAfter = %d, want unchanged %d", result.TokensAfter, current)
	}
}

func TestPruneBelowThresholdsReturnsClone(t *testing.T) {
	parts := []models.MessagePart{toolPart("a", 100000)}
	pruned, result := Prune(parts, 1000, 128000)
	if result.WasPruned {
		t.Error("pruning must not fire below thresholds")
	}
	if len(pruned) != 1 || pruned[0].Output != parts[0].Output {
		t.Error("clone must preserve parts unchanged")
	}
}

func TestEstimateRequestTokens(t *testing.T) {
	got := EstimateRequestTokens([]string{"abcd", "efghijkl"}, "12345678")
	// 1 + 4 overhead, 2 + 4 overhead, 2 schema.
	if got != 13 {
		t.Errorf("EstimateRequestTokens = %d, want 13", got)
	}
}
