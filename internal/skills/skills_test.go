package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	d := filepath.Join(root, "skills", dir)
	if err := os.MkdirAll(d, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(d, "SKILL.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const searchSkill = `---
name: search
description: Web research playbook
metadata:
  nanobot:
    emoji: "🔍"
    triggers: ["search", "查一下", "find out"]
    aliases: ["research"]
    allowed_tools: ["web_search", "web_fetch"]
    tags: ["realtime"]
---
When asked to research, search first and cite sources.
`

const notesSkill = `---
name: notes
description: Note-taking playbook
metadata: '{"nanobot": {"triggers": ["note", "记录"], "allowed_tools": ["write_file"], "always": false}}'
---
Write notes into memory/learnings.
`

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	root := t.TempDir()
	writeSkill(t, root, "search", searchSkill)
	writeSkill(t, root, "notes", notesSkill)
	return NewLoader(root, ""), root
}

func TestParseYAMLAndJSONMetadata(t *testing.T) {
	l, _ := newTestLoader(t)

	s := l.Get("search")
	if s == nil {
		t.Fatal("search skill not loaded")
	}
	if s.Meta.Emoji != "🔍" || len(s.Meta.Triggers) != 3 || s.Meta.Aliases[0] != "research" {
		t.Errorf("search meta = %+v", s.Meta)
	}
	if s.Body == "" || s.Body[0] != 'W' {
		t.Errorf("body = %q", s.Body)
	}

	n := l.Get("notes")
	if n == nil {
		t.Fatal("notes skill not loaded")
	}
	if len(n.Meta.Triggers) != 2 || n.Meta.AllowedTools[0] != "write_file" {
		t.Errorf("notes meta = %+v", n.Meta)
	}
}

func TestSelectForMessageScoring(t *testing.T) {
	l, _ := newTestLoader(t)

	tests := []struct {
		msg  string
		want []string
	}{
		{"please search for go generics", []string{"search"}},
		{"帮我查一下今天的新闻", []string{"search"}},
		{"take a note about this", []string{"notes"}},
		{"记录这件事", []string{"notes"}},
		{"$search the web", []string{"search"}},
		{"use $research mode", []string{"search"}},
		{"searching is fun", nil},       // word boundary: "search" != "searching"
		{"/new", nil},                   // commands never route
		{"", nil},                       // empty never routes
		{"hello there", nil},            // no match
		{"search and note this", []string{"search", "notes"}},
	}

	for _, tt := range tests {
		got := l.SelectForMessage(tt.msg, 3)
		if len(got) != len(tt.want) {
			t.Errorf("SelectForMessage(%q) = %v, want %v", tt.msg, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("SelectForMessage(%q) = %v, want %v", tt.msg, got, tt.want)
				break
			}
		}
	}
}

func TestSelectForMessageDeterministic(t *testing.T) {
	l, _ := newTestLoader(t)
	first := l.SelectForMessage("search for something and note it", 3)
	for i := 0; i < 10; i++ {
		again := l.SelectForMessage("search for something and note it", 3)
		if len(again) != len(first) {
			t.Fatalf("run %d: %v != %v", i, again, first)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d: %v != %v", i, again, first)
			}
		}
	}
}

func TestMaxSkillsCap(t *testing.T) {
	l, _ := newTestLoader(t)
	got := l.SelectForMessage("search and note this", 1)
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	// "search" carries a name match (+100) plus trigger; it must win.
	if got[0] != "search" {
		t.Errorf("top skill = %q", got[0])
	}
}

func TestWorkspaceShadowsBuiltin(t *testing.T) {
	root := t.TempDir()
	builtin := t.TempDir()

	writeSkill(t, root, "search", searchSkill)

	bDir := filepath.Join(builtin, "search")
	if err := os.MkdirAll(bDir, 0755); err != nil {
		t.Fatal(err)
	}
	builtinContent := "---\nname: search\ndescription: builtin version\n---\nbuiltin body\n"
	if err := os.WriteFile(filepath.Join(bDir, "SKILL.md"), []byte(builtinContent), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(root, builtin)
	s := l.Get("search")
	if s == nil || s.Builtin {
		t.Fatalf("workspace skill must shadow builtin: %+v", s)
	}
	if s.Description != "Web research playbook" {
		t.Errorf("description = %q", s.Description)
	}
}

func TestRequirementsGating(t *testing.T) {
	root := t.TempDir()
	gated := `---
name: gated
description: needs a binary that does not exist
metadata:
  nanobot:
    triggers: ["gated"]
    requires:
      bins: ["definitely-not-a-real-binary-xyz"]
---
body
`
	writeSkill(t, root, "gated", gated)
	l := NewLoader(root, "")

	if got := l.SelectForMessage("run the gated thing", 3); len(got) != 0 {
		t.Errorf("unavailable skill matched: %v", got)
	}
	s := l.Get("gated")
	if s.Available() {
		t.Error("skill with missing binary reported available")
	}
	if missing := s.MissingRequirements(); len(missing) != 1 || missing[0] != "bin:definitely-not-a-real-binary-xyz" {
		t.Errorf("missing = %v", missing)
	}
}

func TestAllowedToolsPreservesOrder(t *testing.T) {
	l, _ := newTestLoader(t)
	tools := l.AllowedToolsFor([]string{"search", "notes", "search"})
	want := []string{"web_search", "web_fetch", "write_file"}
	if len(tools) != len(want) {
		t.Fatalf("tools = %v", tools)
	}
	for i := range want {
		if tools[i] != want[i] {
			t.Errorf("tools = %v, want %v", tools, want)
			break
		}
	}
}

func TestToolRoundLimitedByTag(t *testing.T) {
	l, _ := newTestLoader(t)
	if !l.ToolRoundLimited([]string{"search"}) {
		t.Error("realtime-tagged skill must be round limited")
	}
	if l.ToolRoundLimited([]string{"notes"}) {
		t.Error("plain skill must not be round limited")
	}
}

func TestWorkflowPolicyMerge(t *testing.T) {
	a := &WorkflowPolicy{
		Kickoff: &KickoffPolicy{RequireSubstantiveAction: true, SubstantiveTools: []string{"web_search"}},
		Retry:   &RetryPolicy{EnforcementRetries: 1, FailureMode: FailureExplainMissing},
	}
	b := &WorkflowPolicy{
		Kickoff: &KickoffPolicy{SubstantiveTools: []string{"write_file", "web_search"}},
		Retry:   &RetryPolicy{EnforcementRetries: 3, FailureMode: FailureHard},
		Completion: &CompletionPolicy{RequireToolCalls: []CompletionRule{
			{Name: "write_file", Args: map[string]string{"path": `^memory/learnings/[^/]+\.md$`}},
		}},
	}

	m := Merge([]*WorkflowPolicy{a, b})
	if !m.Kickoff.RequireSubstantiveAction {
		t.Error("bool must OR")
	}
	if len(m.Kickoff.SubstantiveTools) != 2 {
		t.Errorf("substantive tools = %v", m.Kickoff.SubstantiveTools)
	}
	if m.Retry.EnforcementRetries != 3 {
		t.Errorf("retries = %d", m.Retry.EnforcementRetries)
	}
	if m.Retry.FailureMode != FailureHard {
		t.Errorf("failure mode = %q", m.Retry.FailureMode)
	}
	if len(m.Completion.RequireToolCalls) != 1 {
		t.Errorf("completion rules = %v", m.Completion.RequireToolCalls)
	}

	if Merge([]*WorkflowPolicy{nil, nil}) != nil {
		t.Error("all-nil merge must be nil")
	}
}
