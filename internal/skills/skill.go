// Package skills discovers markdown playbooks and routes messages to them
// by trigger, alias, or explicit mention. Workspace skills shadow builtins
// by name.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"
)

// Requirements gates a skill on the host environment.
type Requirements struct {
	Bins []string `json:"bins,omitempty" yaml:"bins,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// NanobotMeta is the routing metadata under metadata.nanobot.
type NanobotMeta struct {
	Emoji          string          `json:"emoji,omitempty" yaml:"emoji,omitempty"`
	Triggers       []string        `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Aliases        []string        `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	AllowedTools   []string        `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	Always         bool            `json:"always,omitempty" yaml:"always,omitempty"`
	ToolRoundLimit bool            `json:"tool_round_limit,omitempty" yaml:"tool_round_limit,omitempty"`
	Tags           []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	Workflow       *WorkflowPolicy `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Requires       *Requirements   `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// Skill is one parsed SKILL.md plus its location.
type Skill struct {
	Name        string
	Description string
	Meta        NanobotMeta
	Body        string // markdown after the frontmatter
	Dir         string
	Builtin     bool
}

// Available reports whether the skill's declared requirements are met:
// every binary on PATH, every env var set.
func (s *Skill) Available() bool {
	return len(s.MissingRequirements()) == 0
}

// MissingRequirements lists unmet requirements, human readable.
func (s *Skill) MissingRequirements() []string {
	if s.Meta.Requires == nil {
		return nil
	}
	var missing []string
	for _, bin := range s.Meta.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "bin:"+bin)
		}
	}
	for _, env := range s.Meta.Requires.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "env:"+env)
		}
	}
	return missing
}

// frontmatter is the YAML header of SKILL.md. The metadata value may be an
// inline YAML mapping or a JSON string; both decode into rawMeta.
type frontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Metadata    yaml.Node `yaml:"metadata"`
}

type rawMeta struct {
	Nanobot NanobotMeta `json:"nanobot" yaml:"nanobot"`
}

// Parse parses a SKILL.md document: a ----delimited YAML frontmatter block
// followed by the markdown body.
func Parse(content, dir string, builtin bool) (*Skill, error) {
	body := content
	var fm frontmatter

	if strings.HasPrefix(content, "---") {
		rest := strings.TrimPrefix(content, "---")
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("unterminated frontmatter")
		}
		header := rest[:end]
		body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")

		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}

	if fm.Name == "" {
		return nil, fmt.Errorf("skill frontmatter missing name")
	}

	skill := &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Body:        strings.TrimSpace(body),
		Dir:         dir,
		Builtin:     builtin,
	}

	if !fm.Metadata.IsZero() {
		var meta rawMeta
		if fm.Metadata.Kind == yaml.ScalarNode {
			// JSON-string form: metadata: '{"nanobot": {...}}'
			if err := json.Unmarshal([]byte(fm.Metadata.Value), &meta); err != nil {
				return nil, fmt.Errorf("parse skill metadata json: %w", err)
			}
		} else {
			if err := fm.Metadata.Decode(&meta); err != nil {
				return nil, fmt.Errorf("parse skill metadata: %w", err)
			}
		}
		skill.Meta = meta.Nanobot
	}
	return skill, nil
}
