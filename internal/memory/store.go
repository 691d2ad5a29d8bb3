// Package memory manages the agent's long-term memory files under
// <workspace>/memory: MEMORY.md (long-term facts), HISTORY.md (append-only
// event log), daily notes, and the learnings knowledge base.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	MemoryFile  = "MEMORY.md"
	HistoryFile = "HISTORY.md"
	LearningDir = "learnings"
)

// Store reads and writes the memory files for one workspace.
type Store struct {
	dir string // <workspace>/memory
}

func NewStore(workspace string) *Store {
	return &Store{dir: filepath.Join(workspace, "memory")}
}

// Dir returns the memory directory path.
func (s *Store) Dir() string { return s.dir }

// EnsureLayout creates the memory directory tree.
func (s *Store) EnsureLayout() error {
	return os.MkdirAll(filepath.Join(s.dir, LearningDir), 0755)
}

// LongTerm returns the contents of MEMORY.md ("" when absent).
func (s *Store) LongTerm() string {
	data, err := os.ReadFile(filepath.Join(s.dir, MemoryFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm replaces MEMORY.md.
func (s *Store) WriteLongTerm(content string) error {
	if err := s.EnsureLayout(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, MemoryFile), []byte(content), 0644)
}

// AppendHistory appends one timestamped entry to HISTORY.md.
func (s *Store) AppendHistory(entry string) error {
	if err := s.EnsureLayout(); err != nil {
		return err
	}
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	line := fmt.Sprintf("- [%s] %s\n", time.Now().Format("2006-01-02 15:04"), entry)

	f, err := os.OpenFile(filepath.Join(s.dir, HistoryFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// TodayNotes returns the contents of today's daily note ("" when absent).
func (s *Store) TodayNotes() string {
	name := time.Now().Format("2006-01-02") + ".md"
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// AppendDaily appends to today's note file.
func (s *Store) AppendDaily(text string) error {
	if err := s.EnsureLayout(); err != nil {
		return err
	}
	name := time.Now().Format("2006-01-02") + ".md"
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text + "\n")
	return err
}

// Learnings lists the knowledge-base artifact filenames, sorted.
func (s *Store) Learnings() []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, LearningDir))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// diagnosticPatterns match transient runtime noise that must never leak into
// the prompt: missing credentials, unconfigured providers, transport failures.
var diagnosticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)missing\s+api\s*[\s_-]?key`),
	regexp.MustCompile(`(?i)api\s*[\s_-]?key\s+(is\s+)?(not\s+set|missing|invalid)`),
	regexp.MustCompile(`(?i)not\s+configured`),
	regexp.MustCompile(`(?i)connection\s+(refused|reset|timed?\s*out)`),
	regexp.MustCompile(`(?i)network\s+(error|unreachable|failure)`),
	regexp.MustCompile(`(?i)request\s+failed`),
	regexp.MustCompile(`(?i)rate\s+limit(ed)?`),
	regexp.MustCompile(`(?i)\b(401|403|429|5\d\d)\s+(unauthorized|forbidden|too many requests|error)`),
}

func sanitize(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		drop := false
		for _, re := range diagnosticPatterns {
			if re.MatchString(line) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// MemoryContext composes the prompt-facing memory block: long-term facts,
// today's notes, and the knowledge-base listing. Runtime-diagnostic lines
// are suppressed.
func (s *Store) MemoryContext() string {
	var b strings.Builder

	if lt := strings.TrimSpace(sanitize(s.LongTerm())); lt != "" {
		b.WriteString("## Long-term memory\n\n")
		b.WriteString(lt)
		b.WriteString("\n")
	}
	if today := strings.TrimSpace(sanitize(s.TodayNotes())); today != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Today's notes\n\n")
		b.WriteString(today)
		b.WriteString("\n")
	}
	if learnings := s.Learnings(); len(learnings) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Knowledge base (memory/learnings/)\n\n")
		for _, name := range learnings {
			b.WriteString("- " + name + "\n")
		}
	}
	return b.String()
}

// ConsolidationArtifact is the structured result the agent produces at
// session rollover.
type ConsolidationArtifact struct {
	HistoryEntry string `json:"history_entry"`
	MemoryUpdate string `json:"memory_update"`
}

// Consolidate applies a JSON consolidation artifact: memory_update rewrites
// MEMORY.md, history_entry appends to HISTORY.md. Code fences around the
// JSON are tolerated.
func (s *Store) Consolidate(raw string) error {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var artifact ConsolidationArtifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return fmt.Errorf("parse consolidation artifact: %w", err)
	}

	if update := strings.TrimSpace(artifact.MemoryUpdate); update != "" {
		if err := s.WriteLongTerm(update + "\n"); err != nil {
			return fmt.Errorf("write long-term memory: %w", err)
		}
	}
	if entry := strings.TrimSpace(artifact.HistoryEntry); entry != "" {
		if err := s.AppendHistory(entry); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}
