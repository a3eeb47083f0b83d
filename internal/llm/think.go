package llm

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes <think>...</think> reasoning blocks that some
// local models emit ahead of their answer. Text after an unterminated
// <think> is dropped.
func StripThinking(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	if i := strings.Index(s, "<think>"); i != -1 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
