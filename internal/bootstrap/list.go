package bootstrap

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var listEntryRe = regexp.MustCompile(`^\s*(?:\d+[.)]\s+|[-*]\s+)?([A-Za-z0-9_./-]+\.md)\s*$`)

// List returns the optional bootstrap files for a workspace, in order.
// BOOTSTRAP.md, when present, overrides DefaultList with its own numbered
// (or bulleted) list of *.md filenames. AGENTS.md is never part of the
// optional list; the context builder loads it unconditionally.
func List(workspaceDir string) []string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, BootstrapFile))
	if err != nil {
		return append([]string(nil), DefaultList...)
	}

	var files []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		m := listEntryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if name == AgentsFile || name == BootstrapFile || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	if len(files) == 0 {
		return append([]string(nil), DefaultList...)
	}
	return files
}
