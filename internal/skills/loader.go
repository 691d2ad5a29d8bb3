package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// realtimeTags mark skills whose answers depend on live external data; any
// of these tags subjects the skill to the tool-round limit.
var realtimeTags = map[string]bool{
	"realtime": true,
	"live":     true,
	"network":  true,
	"web":      true,
}

// Loader discovers skills from the workspace and a builtin directory and
// serves routing queries. Reload is whole-set swap, so readers always see a
// consistent snapshot.
type Loader struct {
	workspaceDir string // <workspace>/skills
	builtinDir   string // may be ""

	mu      sync.RWMutex
	ordered []*Skill
	byName  map[string]*Skill
}

func NewLoader(workspace, builtinDir string) *Loader {
	l := &Loader{
		workspaceDir: filepath.Join(workspace, "skills"),
		builtinDir:   builtinDir,
		byName:       make(map[string]*Skill),
	}
	l.Reload()
	return l
}

// Reload re-discovers all skills. Workspace skills shadow builtins by name;
// within a directory, discovery is alphabetical and first-seen name wins.
func (l *Loader) Reload() {
	var ordered []*Skill
	byName := make(map[string]*Skill)

	scan := func(dir string, builtin bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			skill, err := Parse(string(data), filepath.Join(dir, e.Name()), builtin)
			if err != nil {
				slog.Warn("skipping malformed skill", "path", path, "error", err)
				continue
			}
			if _, exists := byName[skill.Name]; exists {
				continue
			}
			byName[skill.Name] = skill
			ordered = append(ordered, skill)
		}
	}

	scan(l.workspaceDir, false)
	if l.builtinDir != "" {
		scan(l.builtinDir, true)
	}

	l.mu.Lock()
	l.ordered = ordered
	l.byName = byName
	l.mu.Unlock()
}

// All returns the current skill snapshot in discovery order.
func (l *Loader) All() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered
}

// Get returns a skill by name, or nil.
func (l *Loader) Get(name string) *Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byName[name]
}

// AlwaysSkills returns skills with always=true, in discovery order.
func (l *Loader) AlwaysSkills() []*Skill {
	var out []*Skill
	for _, s := range l.All() {
		if s.Meta.Always && s.Available() {
			out = append(out, s)
		}
	}
	return out
}

// AllowedToolsFor unions the allowed tools of the named skills, deduped,
// preserving first-seen order.
func (l *Loader) AllowedToolsFor(names []string) []string {
	var tools []string
	seen := make(map[string]bool)
	for _, name := range names {
		skill := l.Get(name)
		if skill == nil {
			continue
		}
		for _, t := range skill.Meta.AllowedTools {
			if !seen[t] {
				seen[t] = true
				tools = append(tools, t)
			}
		}
	}
	return tools
}

// ToolRoundLimited reports whether any named skill is flagged realtime,
// either explicitly or via a realtime-marker tag.
func (l *Loader) ToolRoundLimited(names []string) bool {
	for _, name := range names {
		skill := l.Get(name)
		if skill == nil {
			continue
		}
		if skill.Meta.ToolRoundLimit {
			return true
		}
		for _, tag := range skill.Meta.Tags {
			if realtimeTags[tag] {
				return true
			}
		}
	}
	return false
}

// WorkflowPolicyFor merges the workflow policies of the named skills.
// Returns nil when none declares one.
func (l *Loader) WorkflowPolicyFor(names []string) *WorkflowPolicy {
	var policies []*WorkflowPolicy
	for _, name := range names {
		if skill := l.Get(name); skill != nil {
			policies = append(policies, skill.Meta.Workflow)
		}
	}
	return Merge(policies)
}

// Watch reloads the skill set when the workspace skills directory changes.
// Events are debounced; the watcher stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(l.workspaceDir); err != nil {
		watcher.Close()
		return err
	}
	// Watch each skill directory so SKILL.md edits are seen.
	if entries, err := os.ReadDir(l.workspaceDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				watcher.Add(filepath.Join(l.workspaceDir, e.Name()))
			}
		}
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						watcher.Add(ev.Name)
					}
				}
				pending = time.After(300 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills watcher error", "error", err)
			case <-pending:
				pending = nil
				l.Reload()
				slog.Debug("skills reloaded", "count", len(l.All()))
			}
		}
	}()
	return nil
}
