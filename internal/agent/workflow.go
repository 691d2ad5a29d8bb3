package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/skills"
)

// Workflow enforcement state for one turn. The engine watches executed tool
// calls and final content against the merged policy of the matched skills.

const defaultEnforcementRetries = 1

type executedCall struct {
	name string
	args map[string]interface{}
}

type workflowEngine struct {
	policy *skills.WorkflowPolicy

	executed       []executedCall
	milestonesSent int
	callsSinceMile int
	kickoffNagged  bool
}

func newWorkflowEngine(policy *skills.WorkflowPolicy) *workflowEngine {
	return &workflowEngine{policy: policy}
}

func (w *workflowEngine) active() bool { return w != nil && w.policy != nil }

func (w *workflowEngine) record(name string, args map[string]interface{}) {
	if !w.active() {
		return
	}
	w.executed = append(w.executed, executedCall{name: name, args: args})
	w.callsSinceMile++
}

// enforcementRetries returns the retry budget for workflow corrections.
func (w *workflowEngine) enforcementRetries() int {
	if !w.active() || w.policy.Retry == nil || w.policy.Retry.EnforcementRetries <= 0 {
		return defaultEnforcementRetries
	}
	return w.policy.Retry.EnforcementRetries
}

func (w *workflowEngine) failureMode() string {
	if w.active() && w.policy.Retry != nil && w.policy.Retry.FailureMode == skills.FailureHard {
		return skills.FailureHard
	}
	return skills.FailureExplainMissing
}

// substantiveCalls counts executed calls belonging to the kickoff policy's
// substantive tool set. Without a kickoff policy every call is substantive.
func (w *workflowEngine) substantiveCalls() int {
	if !w.active() {
		return len(w.executed)
	}
	var tools []string
	if w.policy.Kickoff != nil {
		tools = w.policy.Kickoff.SubstantiveTools
	}
	if len(tools) == 0 {
		return len(w.executed)
	}
	n := 0
	for _, c := range w.executed {
		for _, t := range tools {
			if c.name == t {
				n++
				break
			}
		}
	}
	return n
}

// kickoffViolation checks the kickoff policy after a tool round. A non-empty
// return is the correction to inject; it fires at most once per turn.
func (w *workflowEngine) kickoffViolation() string {
	if !w.active() || w.policy.Kickoff == nil || w.kickoffNagged {
		return ""
	}
	k := w.policy.Kickoff

	if len(k.ForbidAsFirstOnly) > 0 && len(w.executed) > 0 {
		onlyForbidden := true
		for _, c := range w.executed {
			forbidden := false
			for _, f := range k.ForbidAsFirstOnly {
				if c.name == f {
					forbidden = true
					break
				}
			}
			if !forbidden {
				onlyForbidden = false
				break
			}
		}
		if onlyForbidden {
			w.kickoffNagged = true
			return fmt.Sprintf("Workflow kickoff: do not start with only %s. Begin with a substantive action first.",
				strings.Join(k.ForbidAsFirstOnly, ", "))
		}
	}

	if k.RequireSubstantiveAction && len(k.SubstantiveTools) > 0 && w.substantiveCalls() == 0 {
		w.kickoffNagged = true
		return fmt.Sprintf("Workflow kickoff: you must take a substantive action using one of: %s.",
			strings.Join(k.SubstantiveTools, ", "))
	}
	return ""
}

// claimViolated reports a completion-style claim in the final content without
// any substantive tool call backing it.
func (w *workflowEngine) claimViolated(final string) bool {
	if !w.active() || w.policy.Progress == nil || !w.policy.Progress.ClaimRequiresActions {
		return false
	}
	if w.substantiveCalls() > 0 {
		return false
	}
	for _, pat := range w.policy.Progress.ClaimPatterns {
		if pat != "" && strings.Contains(final, pat) {
			return true
		}
	}
	return false
}

// unmetCompletionRules returns human-readable descriptions of completion
// rules not yet satisfied by any executed tool call.
func (w *workflowEngine) unmetCompletionRules() []string {
	if !w.active() || w.policy.Completion == nil {
		return nil
	}
	var unmet []string
	for _, rule := range w.policy.Completion.RequireToolCalls {
		if !w.ruleSatisfied(rule) {
			unmet = append(unmet, describeRule(rule))
		}
	}
	return unmet
}

func (w *workflowEngine) ruleSatisfied(rule skills.CompletionRule) bool {
	for _, c := range w.executed {
		if c.name != rule.Name {
			continue
		}
		ok := true
		for arg, pattern := range rule.Args {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			val := fmt.Sprint(c.args[arg])
			if !re.MatchString(val) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func describeRule(rule skills.CompletionRule) string {
	if len(rule.Args) == 0 {
		return rule.Name + "()"
	}
	keys := make([]string, 0, len(rule.Args))
	for k := range rule.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s_regex=%s", k, rule.Args[k]))
	}
	return fmt.Sprintf("%s(%s)", rule.Name, strings.Join(parts, ", "))
}

// explainMissing rewrites the final content to list unmet requirements.
func explainMissing(unmet []string) string {
	var sb strings.Builder
	sb.WriteString("Workflow requirements not yet satisfied. The following required actions were not performed:\n")
	for _, u := range unmet {
		sb.WriteString("- " + u + "\n")
	}
	return strings.TrimSpace(sb.String())
}

// milestoneDue returns the next milestone message to emit, or "". Milestones
// fire after every toolCallInterval executed calls, capped at maxMessages.
func (w *workflowEngine) milestoneDue() string {
	if !w.active() || w.policy.Progress == nil || w.policy.Progress.Milestones == nil {
		return ""
	}
	m := w.policy.Progress.Milestones
	if !m.Enabled {
		return ""
	}
	max := m.MaxMessages
	if max <= 0 {
		max = 3
	}
	interval := m.ToolCallInterval
	if interval <= 0 {
		interval = 3
	}
	if w.milestonesSent >= max || w.callsSinceMile < interval {
		return ""
	}

	var tmpl string
	switch w.milestonesSent {
	case 0:
		tmpl = m.Templates.Kickoff
	default:
		tmpl = m.Templates.Researching
	}
	if tmpl == "" {
		tmpl = m.Templates.Researching
	}
	if tmpl == "" {
		return ""
	}
	w.milestonesSent++
	w.callsSinceMile = 0
	return w.renderTemplate(tmpl)
}

// completionMilestone renders the completion_ready template just before the
// final answer, when enabled and under the cap.
func (w *workflowEngine) completionMilestone() string {
	if !w.active() || w.policy.Progress == nil || w.policy.Progress.Milestones == nil {
		return ""
	}
	m := w.policy.Progress.Milestones
	if !m.Enabled || m.Templates.CompletionReady == "" {
		return ""
	}
	max := m.MaxMessages
	if max <= 0 {
		max = 3
	}
	if w.milestonesSent >= max {
		return ""
	}
	w.milestonesSent++
	return w.renderTemplate(m.Templates.CompletionReady)
}

func (w *workflowEngine) renderTemplate(tmpl string) string {
	lastTool := ""
	if len(w.executed) > 0 {
		lastTool = w.executed[len(w.executed)-1].name
	}
	out := strings.ReplaceAll(tmpl, "{source_calls}", fmt.Sprint(w.substantiveCalls()))
	out = strings.ReplaceAll(out, "{last_tool}", lastTool)
	return out
}
