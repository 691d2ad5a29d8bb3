package agent

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Attachment reconciliation. Models sometimes claim "I've sent you the file
// `X`" without having called the message tool. When the named file exists
// under the workspace, attach it; when it cannot be resolved, rewrite the
// claiming sentence so the transcript stays truthful.

var deliveryClaimHints = []string{
	"sent you", "attached", "attachment is", "here is the file", "delivered the file",
	"已发", "发你了", "发给你", "附件", "已经发送", "已发送",
}

// fileNameRe finds backtick-quoted or bare file names with an extension.
var fileNameRe = regexp.MustCompile("`([^`\\n]+\\.[A-Za-z0-9]{1,8})`|\\b([\\w./-]+\\.(?:md|txt|pdf|png|jpg|jpeg|gif|csv|json|zip|html))\\b")

// reconcileAttachments inspects the final assistant content for delivery
// claims. deliveredMedia is true when a message-tool call already carried
// media this turn, in which case the content is left alone.
func reconcileAttachments(content, workspace string, deliveredMedia bool) (string, []string) {
	if deliveredMedia || !claimsDelivery(content) {
		return content, nil
	}

	name := claimedFileName(content)
	if name == "" {
		return content, nil
	}

	if path := resolveWorkspaceFile(workspace, name); path != "" {
		return content, []string{path}
	}

	// The claim cannot be honored; rewrite the asserting sentence.
	return rewriteClaim(content, name), nil
}

func claimsDelivery(content string) bool {
	lower := strings.ToLower(content)
	for _, hint := range deliveryClaimHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func claimedFileName(content string) string {
	m := fileNameRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// resolveWorkspaceFile locates the claimed file under the workspace. A
// relative path is tried directly first, then by base-name walk.
func resolveWorkspaceFile(workspace, name string) string {
	direct := filepath.Join(workspace, filepath.FromSlash(name))
	if info, err := os.Stat(direct); err == nil && !info.IsDir() {
		if abs, err := filepath.Abs(direct); err == nil {
			return abs
		}
	}

	base := filepath.Base(name)
	var found string
	filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return fs.SkipAll
		}
		if !d.IsDir() && d.Name() == base {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if found == "" {
		return ""
	}
	abs, err := filepath.Abs(found)
	if err != nil {
		return found
	}
	return abs
}

// rewriteClaim replaces the sentence asserting delivery with a correction.
func rewriteClaim(content, name string) string {
	sentences := splitSentences(content)
	var out []string
	replaced := false
	for _, s := range sentences {
		if !replaced && claimsDelivery(s) {
			out = append(out, "The file `"+name+"` could not be located, so no attachment was delivered.")
			replaced = true
			continue
		}
		out = append(out, s)
	}
	if !replaced {
		return content
	}
	return strings.TrimSpace(strings.Join(out, " "))
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		end := i + len(string(r))
		switch r {
		case '。', '！', '？', '\n':
		case '.', '!', '?':
			// ASCII terminators split only at a word boundary, so dots
			// inside file names stay intact.
			if end < len(text) && text[end] != ' ' && text[end] != '\t' {
				continue
			}
		default:
			continue
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
