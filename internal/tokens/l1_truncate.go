// Package tokens implements the three-layer token budget manager: per-tool
// output truncation with disk spillover (L1), lazy pruning of old tool
// output protecting recent content (L2), and LLM-generated conversation
// compaction with a persistent boundary (L3, see the compaction package).
package tokens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Truncation size limits, tunable but defaulted as specified.
const (
	MaxOutputLines = 2000
	MaxOutputBytes = 51200
	MaxLineLength  = 2000
)

// ToolCaps are the per-tool character caps applied after the line/byte pass.
var ToolCaps = map[string]int{
	"read":      100000,
	"bash":      50000,
	"grep":      30000,
	"glob":      20000,
	"webfetch":  50000,
	"websearch": 20000,
	"list":      10000,
}

// DefaultToolCap is used for any tool not present in ToolCaps.
const DefaultToolCap = 50000

func capFor(tool string) int {
	if cap, ok := ToolCaps[tool]; ok {
		return cap
	}
	return DefaultToolCap
}

// TruncateResult is the L1 contract return value.
type TruncateResult struct {
	Output            string
	WasTruncated      bool
	OriginalLines     int
	OriginalBytes     int
	TruncatedLines    int
	TruncatedBytes    int
	SpillPath         string
	TruncationMessage string
}

// Truncator applies L1 per-tool-output truncation with disk spillover.
type Truncator struct {
	SpillDir string
}

// NewTruncator creates a Truncator that spills full output under dir.
func NewTruncator(spillDir string) *Truncator {
	return &Truncator{SpillDir: spillDir}
}

// Truncate applies the L1 contract to raw tool output. requestedSpillPath,
// if non-empty, is used verbatim instead of generating a new spill filename.
func (t *Truncator) Truncate(output, toolName, requestedSpillPath string) (*TruncateResult, error) {
	original := output
	lines := strings.Split(output, "\n")
	originalLines := len(lines)
	originalBytes := len(output)
	cap := capFor(toolName)

	// Any individual line longer than MaxLineLength is truncated
	// regardless of whether whole-output truncation fires.
	lineTruncated := false
	for i, line := range lines {
		if len(line) > MaxLineLength {
			lines[i] = line[:MaxLineLength] + "… (line truncated)"
			lineTruncated = true
		}
	}
	if lineTruncated {
		output = strings.Join(lines, "\n")
	}

	triggered := originalLines > MaxOutputLines || originalBytes > MaxOutputBytes || len(output) > cap
	if !triggered {
		return &TruncateResult{
			Output:         output,
			WasTruncated:   false,
			OriginalLines:  originalLines,
			OriginalBytes:  originalBytes,
			TruncatedLines: originalLines,
			TruncatedBytes: len(output),
		}, nil
	}

	// The spill file always holds the caller's raw output, untouched by
	// the per-line pass above.
	spillPath := requestedSpillPath
	if spillPath == "" {
		spillPath = t.spillPath()
	}
	if err := t.writeSpill(spillPath, original); err != nil {
		return nil, fmt.Errorf("write spill file: %w", err)
	}

	var b strings.Builder
	keptLines := 0
	keptBytes := 0
	for _, line := range lines {
		lineLen := len(line) + 1 // account for the newline joiner
		if keptLines+1 > MaxOutputLines || keptBytes+lineLen > MaxOutputBytes {
			break
		}
		if keptLines > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		keptLines++
		keptBytes += lineLen
	}
	truncated := b.String()
	if len(truncated) > cap {
		truncated = truncated[:cap]
	}

	message := fmt.Sprintf(
		"---\n[Output truncated: %d→%d lines, %d→%d bytes]\n[Full output saved to: %s]\n[Use 'read' tool with the path above to see full content]",
		originalLines, keptLines, originalBytes, len(truncated), spillPath,
	)

	final := truncated + "\n" + message

	return &TruncateResult{
		Output:            final,
		WasTruncated:      true,
		OriginalLines:     originalLines,
		OriginalBytes:     originalBytes,
		TruncatedLines:    keptLines,
		TruncatedBytes:    len(truncated),
		SpillPath:         spillPath,
		TruncationMessage: message,
	}, nil
}

func (t *Truncator) spillPath() string {
	name := fmt.Sprintf("%s_%s.txt", time.Now().UTC().Format("20060102"), uuid.NewString())
	return filepath.Join(t.SpillDir, name)
}

func (t *Truncator) writeSpill(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// CleanupSpillOlderThan deletes spill files under dir older than maxAge.
// Exposed as a scheduled operation per the design notes; never invoked
// automatically at write time.
func CleanupSpillOlderThan(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
