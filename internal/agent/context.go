package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
)

const sectionSeparator = "\n\n---\n\n"

// skillDirective precedes each requested skill body in the system prompt.
const skillDirective = "MANDATORY: a skill below matched this request. Follow its workflow " +
	"exactly, and for any question about current or real-time information you must call " +
	"web tools to verify before answering."

// Builder assembles the system prompt and provider-shaped message lists from
// the workspace bootstrap files, the memory store, and the skill set.
type Builder struct {
	workspace string
	memory    *memory.Store
	skills    *skills.Loader
}

func NewBuilder(workspace string, mem *memory.Store, loader *skills.Loader) *Builder {
	return &Builder{workspace: workspace, memory: mem, skills: loader}
}

// SystemPrompt builds the layered system prompt. AGENTS.md is required;
// its absence is a fatal error surfaced to the caller.
func (b *Builder) SystemPrompt(requestedSkills []string) (string, error) {
	var sections []string

	sections = append(sections, b.identityBlock())

	agents, err := os.ReadFile(filepath.Join(b.workspace, bootstrap.AgentsFile))
	if err != nil {
		return "", fmt.Errorf("required bootstrap file %s is missing in %s: %w",
			bootstrap.AgentsFile, b.workspace, err)
	}
	boot := []string{strings.TrimSpace(string(agents))}
	for _, name := range bootstrap.List(b.workspace) {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		if body := strings.TrimSpace(string(data)); body != "" {
			boot = append(boot, body)
		}
	}
	sections = append(sections, strings.Join(boot, "\n\n"))

	if b.memory != nil {
		if mem := b.memory.MemoryContext(); mem != "" {
			sections = append(sections, mem)
		}
	}

	seen := make(map[string]bool)
	for _, skill := range b.skills.AlwaysSkills() {
		seen[skill.Name] = true
		sections = append(sections, skill.Body)
	}

	var requested []string
	for _, name := range requestedSkills {
		skill := b.skills.Get(name)
		if skill == nil || seen[name] {
			continue
		}
		seen[name] = true
		requested = append(requested, skill.Body)
	}
	if len(requested) > 0 {
		sections = append(sections, skillDirective+"\n\n"+strings.Join(requested, sectionSeparator))
	}

	if summary := b.skillsSummary(); summary != "" {
		sections = append(sections, summary)
	}

	return strings.Join(sections, sectionSeparator), nil
}

func (b *Builder) identityBlock() string {
	var sb strings.Builder
	sb.WriteString("You are nanobot, a personal assistant agent running on the user's machine.\n\n")
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Runtime: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Workspace: %s\n\n", b.workspace)
	sb.WriteString("Use the available tools to act on the user's behalf. Keep replies concise. " +
		"Persist anything worth remembering under memory/. Never fabricate tool output.")
	return sb.String()
}

// skillsSummary renders a terse XML-tagged catalog of every discovered skill
// so the model knows what it can ask for by name.
func (b *Builder) skillsSummary() string {
	all := b.skills.All()
	if len(all) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, s := range all {
		location := "workspace"
		if s.Builtin {
			location = "builtin"
		}
		fmt.Fprintf(&sb, "  <skill name=%q location=%q available=%q", s.Name, location, fmt.Sprint(s.Available()))
		if missing := s.MissingRequirements(); len(missing) > 0 {
			fmt.Fprintf(&sb, " missing=%q", strings.Join(missing, ","))
		}
		fmt.Fprintf(&sb, ">%s</skill>\n", s.Description)
	}
	sb.WriteString("</skills>")
	return sb.String()
}

// Fingerprint hashes the bootstrap surface; C6 uses it to detect edits that
// invalidate a native server-side session.
func (b *Builder) Fingerprint() string {
	return bootstrap.Fingerprint(b.workspace)
}

// foldHistory converts persisted session messages into provider shape.
// Image attachments on user messages are inlined; other roles pass through.
func foldHistory(history []sessions.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		pm := providers.Message{Role: m.Role, Content: m.Content}
		if m.Role == "user" {
			pm.Images = loadImages(m.Media)
		}
		out = append(out, pm)
	}
	return out
}

// userMessage shapes the current inbound message with inline images.
func userMessage(content string, media []string) providers.Message {
	return providers.Message{Role: "user", Content: content, Images: loadImages(media)}
}
