package skills

// WorkflowPolicy constrains the agent's tool usage while a skill is active.
// Policies from multiple matched skills merge with union semantics.
type WorkflowPolicy struct {
	Kickoff    *KickoffPolicy    `json:"kickoff,omitempty" yaml:"kickoff,omitempty"`
	Completion *CompletionPolicy `json:"completion,omitempty" yaml:"completion,omitempty"`
	Retry      *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Progress   *ProgressPolicy   `json:"progress,omitempty" yaml:"progress,omitempty"`
}

type KickoffPolicy struct {
	RequireSubstantiveAction bool     `json:"requireSubstantiveAction,omitempty" yaml:"requireSubstantiveAction,omitempty"`
	SubstantiveTools         []string `json:"substantiveTools,omitempty" yaml:"substantiveTools,omitempty"`
	ForbidAsFirstOnly        []string `json:"forbidAsFirstOnly,omitempty" yaml:"forbidAsFirstOnly,omitempty"`
}

// CompletionRule requires at least one executed tool call with the given
// name whose arguments match every regex in Args.
type CompletionRule struct {
	Name string            `json:"name" yaml:"name"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

type CompletionPolicy struct {
	RequireToolCalls []CompletionRule `json:"requireToolCalls,omitempty" yaml:"requireToolCalls,omitempty"`
}

const (
	FailureExplainMissing = "explain_missing"
	FailureHard           = "hard_fail"
)

type RetryPolicy struct {
	EnforcementRetries int    `json:"enforcementRetries,omitempty" yaml:"enforcementRetries,omitempty"`
	FailureMode        string `json:"failureMode,omitempty" yaml:"failureMode,omitempty"`
}

type MilestoneTemplates struct {
	Kickoff         string `json:"kickoff,omitempty" yaml:"kickoff,omitempty"`
	Researching     string `json:"researching,omitempty" yaml:"researching,omitempty"`
	CompletionReady string `json:"completion_ready,omitempty" yaml:"completion_ready,omitempty"`
}

type MilestonePolicy struct {
	Enabled          bool               `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ToolCallInterval int                `json:"toolCallInterval,omitempty" yaml:"toolCallInterval,omitempty"`
	MaxMessages      int                `json:"maxMessages,omitempty" yaml:"maxMessages,omitempty"`
	Templates        MilestoneTemplates `json:"templates,omitempty" yaml:"templates,omitempty"`
}

type ProgressPolicy struct {
	ClaimRequiresActions bool             `json:"claimRequiresActions,omitempty" yaml:"claimRequiresActions,omitempty"`
	ClaimPatterns        []string         `json:"claimPatterns,omitempty" yaml:"claimPatterns,omitempty"`
	Milestones           *MilestonePolicy `json:"milestones,omitempty" yaml:"milestones,omitempty"`
}

// Merge combines policies from matched skills. Lists union (first-seen order),
// booleans OR, EnforcementRetries takes the max, and hard_fail dominates
// explain_missing.
func Merge(policies []*WorkflowPolicy) *WorkflowPolicy {
	var merged *WorkflowPolicy
	for _, p := range policies {
		if p == nil {
			continue
		}
		if merged == nil {
			merged = &WorkflowPolicy{}
		}
		mergeKickoff(merged, p.Kickoff)
		mergeCompletion(merged, p.Completion)
		mergeRetry(merged, p.Retry)
		mergeProgress(merged, p.Progress)
	}
	return merged
}

func mergeKickoff(dst *WorkflowPolicy, k *KickoffPolicy) {
	if k == nil {
		return
	}
	if dst.Kickoff == nil {
		dst.Kickoff = &KickoffPolicy{}
	}
	dst.Kickoff.RequireSubstantiveAction = dst.Kickoff.RequireSubstantiveAction || k.RequireSubstantiveAction
	dst.Kickoff.SubstantiveTools = unionStrings(dst.Kickoff.SubstantiveTools, k.SubstantiveTools)
	dst.Kickoff.ForbidAsFirstOnly = unionStrings(dst.Kickoff.ForbidAsFirstOnly, k.ForbidAsFirstOnly)
}

func mergeCompletion(dst *WorkflowPolicy, c *CompletionPolicy) {
	if c == nil {
		return
	}
	if dst.Completion == nil {
		dst.Completion = &CompletionPolicy{}
	}
	for _, rule := range c.RequireToolCalls {
		if !containsRule(dst.Completion.RequireToolCalls, rule) {
			dst.Completion.RequireToolCalls = append(dst.Completion.RequireToolCalls, rule)
		}
	}
}

func mergeRetry(dst *WorkflowPolicy, r *RetryPolicy) {
	if r == nil {
		return
	}
	if dst.Retry == nil {
		dst.Retry = &RetryPolicy{}
	}
	if r.EnforcementRetries > dst.Retry.EnforcementRetries {
		dst.Retry.EnforcementRetries = r.EnforcementRetries
	}
	if r.FailureMode == FailureHard || dst.Retry.FailureMode == "" {
		if r.FailureMode != "" {
			dst.Retry.FailureMode = r.FailureMode
		}
	}
}

func mergeProgress(dst *WorkflowPolicy, p *ProgressPolicy) {
	if p == nil {
		return
	}
	if dst.Progress == nil {
		dst.Progress = &ProgressPolicy{}
	}
	dst.Progress.ClaimRequiresActions = dst.Progress.ClaimRequiresActions || p.ClaimRequiresActions
	dst.Progress.ClaimPatterns = unionStrings(dst.Progress.ClaimPatterns, p.ClaimPatterns)

	if p.Milestones != nil {
		if dst.Progress.Milestones == nil {
			dst.Progress.Milestones = &MilestonePolicy{}
		}
		m := dst.Progress.Milestones
		m.Enabled = m.Enabled || p.Milestones.Enabled
		if p.Milestones.ToolCallInterval > m.ToolCallInterval {
			m.ToolCallInterval = p.Milestones.ToolCallInterval
		}
		if p.Milestones.MaxMessages > m.MaxMessages {
			m.MaxMessages = p.Milestones.MaxMessages
		}
		if m.Templates.Kickoff == "" {
			m.Templates.Kickoff = p.Milestones.Templates.Kickoff
		}
		if m.Templates.Researching == "" {
			m.Templates.Researching = p.Milestones.Templates.Researching
		}
		if m.Templates.CompletionReady == "" {
			m.Templates.CompletionReady = p.Milestones.Templates.CompletionReady
		}
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}

func containsRule(rules []CompletionRule, r CompletionRule) bool {
	for _, have := range rules {
		if have.Name != r.Name || len(have.Args) != len(r.Args) {
			continue
		}
		same := true
		for k, v := range r.Args {
			if have.Args[k] != v {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}
