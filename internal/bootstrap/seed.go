package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// seedOrder lists the templates seeded into a workspace. BOOTSTRAP.md is
// handled separately: it is only seeded into brand-new workspaces so an
// existing curated list is never clobbered.
var seedOrder = []string{
	AgentsFile,
	SoulFile,
	IdentityFile,
	RulesFile,
	UserFile,
	ToolsFile,
	HeartbeatFile,
}

// ReadTemplate returns an embedded template's content.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspace seeds missing template files into the workspace, never
// overwriting existing ones. Returns the names of files created.
func EnsureWorkspace(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}

	_, agentsErr := os.Stat(filepath.Join(workspaceDir, AgentsFile))
	isBrandNew := os.IsNotExist(agentsErr)

	var created []string
	for _, name := range seedOrder {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("failed to seed workspace template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	if isBrandNew {
		ok, err := seedTemplate(workspaceDir, BootstrapFile)
		if err != nil {
			slog.Warn("failed to seed BOOTSTRAP.md", "error", err)
		} else if ok {
			created = append(created, BootstrapFile)
		}
	}

	if err := os.MkdirAll(filepath.Join(workspaceDir, "memory", "learnings"), 0755); err != nil {
		return created, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, "skills"), 0755); err != nil {
		return created, err
	}
	return created, nil
}

func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
