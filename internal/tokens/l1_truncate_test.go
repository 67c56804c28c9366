package tokens

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTruncateBelowLimitsPassesThrough(t *testing.T) {
	tr := NewTruncator(t.TempDir())

	result, err := tr.Truncate("short output\nsecond line", "bash", "")
	if err != nil {
		t.Fatalf("Truncate returned error: %v", err)
	}
	if result.WasTruncated {
		t.Error("expected WasTruncated false for output below every limit")
	}
	if result.Output != "short output\nsecond line" {
		t.Errorf("output modified without truncation: %q", result.Output)
	}
	if result.SpillPath != "" {
		t.Errorf("no spill file expected, got %q", result.SpillPath)
	}
}

func TestTruncateLongLineAlwaysShortened(t *testing.T) {
	tr := NewTruncator(t.TempDir())
	long := strings.Repeat("x", MaxLineLength+500)

	result, err := tr.Truncate(long+"\nok", "bash", "")
	if err != nil {
		t.Fatalf("Truncate returned error: %v", err)
	}
	lines := strings.Split(result.Output, "\n")
	if !strings.HasSuffix(lines[0], "… (line truncated)") {
		t.Error("expected per-line truncation suffix on the oversized line")
	}
	if len(lines[0]) > MaxLineLength+len("… (line truncated)") {
		t.Errorf("line still too long after truncation: %d chars", len(lines[0]))
	}
}

func TestTruncateSpillsFullOutput(t *testing.T) {
	dir := t.TempDir()
	tr := NewTruncator(dir)

	var b strings.Builder
	for i := 0; i < MaxOutputLines+100; i++ {
		b.WriteString("line content here\n")
	}
	original := b.String()

	result, err := tr.Truncate(original, "bash", "")
	if err != nil {
		t.Fatalf("Truncate returned error: %v", err)
	}
	if !result.WasTruncated {
		t.Fatal("expected WasTruncated true when line count exceeds MaxOutputLines")
	}
	if result.SpillPath == "" {
		t.Fatal("expected a spill path")
	}

	spilled, err := os.ReadFile(result.SpillPath)
	if err != nil {
		t.Fatalf("read spill file: %v", err)
	}
	if string(spilled) != original {
		t.Error("spill file contents differ from the original output")
	}

	if result.TruncatedLines > MaxOutputLines {
		t.Errorf("kept %d lines, cap is %d", result.TruncatedLines, MaxOutputLines)
	}
	if !strings.Contains(result.Output, "[Full output saved to: "+result.SpillPath+"]") {
		t.Error("truncation message must reference the spill path")
	}
	if !strings.Contains(result.Output, "[Use 'read' tool with the path above to see full content]") {
		t.Error("truncation message must include the read-tool hint")
	}
}

func TestTruncateSpillKeepsRawOutputWhenLineTruncationAlsoFires(t *testing.T) {
	// Both triggers at once: an oversized individual line plus a total
	// byte count over the whole-output cap. The spill file must still be
	// byte-identical to the raw input, not the line-shortened text.
	dir := t.TempDir()
	tr := NewTruncator(dir)

	longLine := strings.Repeat("z", MaxLineLength+100)
	var b strings.Builder
	b.WriteString(longLine)
	for b.Len() <= MaxOutputBytes {
		b.WriteString("\npadding line")
	}
	original := b.String()

	result, err := tr.Truncate(original, "bash", "")
	if err != nil {
		t.Fatalf("Truncate returned error: %v", err)
	}
	if !result.WasTruncated {
		t.Fatal("expected whole-output truncation to fire")
	}
	if !strings.Contains(result.Output, "… (line truncated)") {
		t.Fatal("expected the per-line truncation to fire too")
	}

	spilled, err := os.ReadFile(result.SpillPath)
	if err != nil {
		t.Fatalf("read spill file: %v", err)
	}
	if string(spilled) != original {
		t.Error("spill file must hold the raw output, not the line-shortened text")
	}
}

func TestTruncatePerToolCharCap(t *testing.T) {
	cases := []struct {
		tool string
		cap  int
	}{
		{"read", 100000},
		{"bash", 50000},
		{"grep", 30000},
		{"glob", 20000},
		{"webfetch", 50000},
		{"websearch", 20000},
		{"list", 10000},
		{"unknown-tool", DefaultToolCap},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			tr := NewTruncator(t.TempDir())
			// Single line, so only the char cap can trigger; keep it under
			// the byte cap's reach by using tools whose cap is lower.
			input := strings.Repeat("ab", tc.cap)

			result, err := tr.Truncate(input, tc.tool, "")
			if err != nil {
				t.Fatalf("Truncate returned error: %v", err)
			}
			if !result.WasTruncated {
				t.Fatal("expected truncation when chars exceed the tool cap")
			}
			if result.TruncatedBytes > tc.cap {
				t.Errorf("kept %d bytes, tool cap is %d", result.TruncatedBytes, tc.cap)
			}
		})
	}
}

func TestTruncateUsesRequestedSpillPath(t *testing.T) {
	dir := t.TempDir()
	tr := NewTruncator(dir)
	requested := filepath.Join(dir, "custom.txt")

	input := strings.Repeat("y", MaxOutputBytes+1)
	result, err := tr.Truncate(input, "bash", requested)
	if err != nil {
		t.Fatalf("Truncate returned error: %v", err)
	}
	if result.SpillPath != requested {
		t.Errorf("SpillPath = %q, want requested %q", result.SpillPath, requested)
	}
	if _, err := os.Stat(requested); err != nil {
		t.Errorf("requested spill path not written: %v", err)
	}
}

func TestCleanupSpillOlderThan(t *testing.T) {
	dir := t.TempDir()

	oldFile := filepath.Join(dir, "20240101_old.txt")
	newFile := filepath.Join(dir, "20260801_new.txt")
	if err := os.WriteFile(oldFile, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newFile, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanupSpillOlderThan(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupSpillOlderThan returned error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old spill file should have been deleted")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("recent spill file should have been kept")
	}
}

func TestCleanupSpillMissingDirIsNoop(t *testing.T) {
	removed, err := CleanupSpillOlderThan(filepath.Join(t.TempDir(), "does-not-exist"), time.Hour)
	if err != nil {
		t.Fatalf("expected nil error for a missing directory, got %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
