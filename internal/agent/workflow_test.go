package agent

import (
	"strings"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/skills"
)

func researchPolicy() *skills.WorkflowPolicy {
	return &skills.WorkflowPolicy{
		Kickoff: &skills.KickoffPolicy{
			RequireSubstantiveAction: true,
			SubstantiveTools:         []string{"web_search", "write_file"},
			ForbidAsFirstOnly:        []string{"read_file"},
		},
		Completion: &skills.CompletionPolicy{
			RequireToolCalls: []skills.CompletionRule{
				{Name: "write_file", Args: map[string]string{"path": `^memory/learnings/[^/]+\.md$`}},
			},
		},
		Retry: &skills.RetryPolicy{EnforcementRetries: 2, FailureMode: skills.FailureExplainMissing},
		Progress: &skills.ProgressPolicy{
			ClaimRequiresActions: true,
			ClaimPatterns:        []string{"已完成", "research is done"},
		},
	}
}

func TestCompletionRuleMatching(t *testing.T) {
	w := newWorkflowEngine(researchPolicy())

	if unmet := w.unmetCompletionRules(); len(unmet) != 1 {
		t.Fatalf("unmet = %v", unmet)
	}

	w.record("write_file", map[string]interface{}{"path": "notes/draft.md"})
	if len(w.unmetCompletionRules()) != 1 {
		t.Error("rule satisfied by non-matching path")
	}

	w.record("write_file", map[string]interface{}{"path": "memory/learnings/rust-ownership.md"})
	if unmet := w.unmetCompletionRules(); len(unmet) != 0 {
		t.Errorf("unmet after matching call = %v", unmet)
	}
}

func TestDescribeRuleFormat(t *testing.T) {
	rule := skills.CompletionRule{Name: "write_file", Args: map[string]string{"path": `^memory/learnings/[^/]+\.md$`}}
	got := describeRule(rule)
	want := `write_file(path_regex=^memory/learnings/[^/]+\.md$)`
	if got != want {
		t.Errorf("describeRule = %q, want %q", got, want)
	}
}

func TestKickoffViolations(t *testing.T) {
	w := newWorkflowEngine(researchPolicy())

	w.record("read_file", map[string]interface{}{"path": "a.md"})
	msg := w.kickoffViolation()
	if !strings.Contains(msg, "read_file") {
		t.Errorf("forbid-as-first-only not flagged: %q", msg)
	}
	// The nag fires at most once.
	if w.kickoffViolation() != "" {
		t.Error("kickoff violation repeated")
	}

	w2 := newWorkflowEngine(researchPolicy())
	w2.record("web_search", map[string]interface{}{"query": "rust"})
	if msg := w2.kickoffViolation(); msg != "" {
		t.Errorf("substantive first call flagged: %q", msg)
	}
}

func TestClaimGuard(t *testing.T) {
	w := newWorkflowEngine(researchPolicy())
	if !w.claimViolated("主人，研究已完成。") {
		t.Error("unbacked completion claim not caught")
	}
	w.record("web_search", map[string]interface{}{"query": "x"})
	if w.claimViolated("主人，研究已完成。") {
		t.Error("claim flagged despite substantive call")
	}
	if w.claimViolated("still working on it") {
		t.Error("non-claim text flagged")
	}
}

func TestEnforcementRetriesDefault(t *testing.T) {
	w := newWorkflowEngine(&skills.WorkflowPolicy{
		Completion: &skills.CompletionPolicy{
			RequireToolCalls: []skills.CompletionRule{{Name: "exec"}},
		},
	})
	if w.enforcementRetries() != defaultEnforcementRetries {
		t.Errorf("retries = %d", w.enforcementRetries())
	}
	if w.failureMode() != skills.FailureExplainMissing {
		t.Errorf("failureMode = %q", w.failureMode())
	}
}

func TestMilestoneRendering(t *testing.T) {
	policy := &skills.WorkflowPolicy{
		Kickoff: &skills.KickoffPolicy{SubstantiveTools: []string{"web_search"}},
		Progress: &skills.ProgressPolicy{
			Milestones: &skills.MilestonePolicy{
				Enabled:          true,
				ToolCallInterval: 2,
				MaxMessages:      2,
				Templates: skills.MilestoneTemplates{
					Kickoff:         "Starting research, {source_calls} sources so far.",
					Researching:     "Still digging after {last_tool}.",
					CompletionReady: "Wrapping up with {source_calls} sources.",
				},
			},
		},
	}
	w := newWorkflowEngine(policy)

	if w.milestoneDue() != "" {
		t.Error("milestone fired before interval")
	}
	w.record("web_search", map[string]interface{}{"query": "a"})
	w.record("web_search", map[string]interface{}{"query": "b"})
	got := w.milestoneDue()
	if got != "Starting research, 2 sources so far." {
		t.Errorf("kickoff milestone = %q", got)
	}

	w.record("web_fetch", map[string]interface{}{"url": "u"})
	w.record("web_fetch", map[string]interface{}{"url": "v"})
	got = w.milestoneDue()
	if got != "Still digging after web_fetch." {
		t.Errorf("researching milestone = %q", got)
	}

	// Cap reached; completion milestone is also bounded by maxMessages.
	if w.milestoneDue() != "" || w.completionMilestone() != "" {
		t.Error("milestone cap not enforced")
	}
}

func TestExplainMissingListsRules(t *testing.T) {
	out := explainMissing([]string{`write_file(path_regex=^memory/learnings/[^/]+\.md$)`})
	if !strings.Contains(out, "Workflow requirements not yet satisfied") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(out, `- write_file(path_regex=^memory/learnings/[^/]+\.md$)`) {
		t.Errorf("rule listing missing: %q", out)
	}
}
