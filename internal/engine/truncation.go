package engine

import "strings"

// truncationFinishReasons are finish_reason values that signal the
// provider cut the response off before the model was done (§4.1 step 4).
var truncationFinishReasons = map[string]bool{
	"length":           true,
	"max_tokens":       true,
	"max_output_tokens": true,
}

// ContinuationPrompt is appended as a synthetic user message when a
// response looks truncated, asking the model to pick back up.
const ContinuationPrompt = "Your response was cut off. Please continue from where you left off."

// looksTruncated reports whether the accumulated assistant text plus the
// finish reason indicate a cut-off response: an explicit truncation
// finish_reason, an odd number of fenced code block markers, or an
// imbalanced bracket group.
func looksTruncated(finishReason, text string) bool {
	if truncationFinishReasons[finishReason] {
		return true
	}
	if strings.Count(text, "```")%2 != 0 {
		return true
	}
	return hasUnclosedBrackets(text)
}

// hasUnclosedBrackets does a simple stack-based scan for (), [], {}
// imbalance across the whole text; it is a heuristic, not a parser.
func hasUnclosedBrackets(text string) bool {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false // mismatched, not our concern here
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) > 0
}
