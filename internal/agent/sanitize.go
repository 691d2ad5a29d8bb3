package agent

import (
	"regexp"
	"strings"
)

// Assistant output cleanup applied before persisting and sending. Some models
// leak reasoning tags, tool-call XML, or tool-result artifacts as plain text;
// none of that belongs in the user transcript.

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var toolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func sanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	lower := strings.ToLower(content)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			content = pat.ReplaceAllString(content, "")
		}
	}
	if strings.Contains(content, "<tool_") || strings.Contains(content, "<function_call") ||
		strings.Contains(content, "<parameter") || strings.Contains(content, "<invoke") {
		content = toolXMLPattern.ReplaceAllString(content, "")
	}
	content = stripMediaPaths(content)
	content = collapseDuplicateBlocks(content)
	content = leadingBlankLines.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// stripMediaPaths removes MEDIA:/path lines; media is delivered through
// OutboundMessage.Media, not inline text.
func stripMediaPaths(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	lines := strings.Split(content, "\n")
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "MEDIA:") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// collapseDuplicateBlocks drops consecutive repeated paragraphs.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var out []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && trimmed == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, block)
	}
	return strings.Join(out, "\n\n")
}
