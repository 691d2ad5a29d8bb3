package skills

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Score weights for routing.
const (
	scoreName    = 100
	scoreAlias   = 60
	scoreTrigger = 20
)

type scoredSkill struct {
	name        string
	score       int
	triggerHits int
}

// SelectForMessage routes a message to at most maxSkills skills by scored
// trigger/alias/name matching. It is a pure function of the trimmed message,
// the loaded skill set, and requirement availability. Commands (leading "/")
// and empty messages match nothing.
func (l *Loader) SelectForMessage(text string, maxSkills int) []string {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	if maxSkills <= 0 {
		maxSkills = 3
	}
	lower := strings.ToLower(text)

	var scored []scoredSkill
	for _, skill := range l.All() {
		if !skill.Available() {
			continue
		}

		score := 0
		if matchTerm(lower, skill.Name, true) {
			score += scoreName
		}
		for _, alias := range skill.Meta.Aliases {
			if matchTerm(lower, alias, true) {
				score += scoreAlias
			}
		}
		hits := 0
		for _, trigger := range skill.Meta.Triggers {
			if matchTerm(lower, trigger, false) {
				hits++
			}
		}
		score += hits * scoreTrigger

		if score > 0 {
			scored = append(scored, scoredSkill{name: skill.Name, score: score, triggerHits: hits})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].triggerHits != scored[j].triggerHits {
			return scored[i].triggerHits > scored[j].triggerHits
		}
		return scored[i].name < scored[j].name
	})

	if len(scored) > maxSkills {
		scored = scored[:maxSkills]
	}
	names := make([]string, len(scored))
	for i, s := range scored {
		names[i] = s.name
	}
	return names
}

// matchTerm matches one term against the lowercased message.
// Plain ASCII single tokens match on word boundaries; multi-word,
// symbol-bearing, or CJK terms match by substring. Name/alias terms also
// match an explicit "$term" mention.
func matchTerm(lowerText, term string, allowMention bool) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	if allowMention && strings.Contains(lowerText, "$"+term) {
		return true
	}
	if isPlainASCIIToken(term) {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			return strings.Contains(lowerText, term)
		}
		return re.MatchString(lowerText)
	}
	return strings.Contains(lowerText, term)
}

// isPlainASCIIToken reports a single alphanumeric ASCII word
// (no spaces, no symbols, no CJK).
func isPlainASCIIToken(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return len(s) > 0
}
