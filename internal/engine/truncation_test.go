package engine

import "testing"

func TestLooksTruncatedByFinishReason(t *testing.T) {
	if !looksTruncated("length", "a complete sentence.") {
		t.Error("expected finish_reason=length to signal truncation")
	}
	if !looksTruncated("max_tokens", "text") {
		t.Error("expected finish_reason=max_tokens to signal truncation")
	}
	if looksTruncated("stop", "a complete sentence.") {
		t.Error("expected finish_reason=stop with balanced text to not signal truncation")
	}
}

func TestLooksTruncatedByOddFence(t *testing.T) {
	text := "here is code:\n```go\nfunc main() {}\n"
	if !looksTruncated("stop", text) {
		t.Error("expected an odd number of ``` fences to signal truncation")
	}
}

func TestLooksTruncatedByUnclosedBrackets(t *testing.T) {
	if !looksTruncated("stop", "func main() { if true { return") {
		t.Error("expected unclosed brackets to signal truncation")
	}
	if looksTruncated("stop", "func main() { if true { return } }") {
		t.Error("expected balanced brackets to not signal truncation")
	}
}

func TestHasUnclosedBracketsIgnoresMismatch(t *testing.T) {
	// A mismatched closer isn't this heuristic's concern; it must not
	// be reported as "unclosed".
	if hasUnclosedBrackets("(]") {
		t.Error("expected mismatched brackets to return false, not true")
	}
}
