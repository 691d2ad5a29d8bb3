package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReconcileAttachesExistingFile(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, "memory", "learnings", "js-performance-optimization.md")
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("# notes"), 0644); err != nil {
		t.Fatal(err)
	}

	content := "主人，已发你了，附件就是 `js-performance-optimization.md`。"
	got, media := reconcileAttachments(content, ws, false)
	if got != content {
		t.Errorf("content rewritten: %q", got)
	}
	if len(media) != 1 || !strings.HasSuffix(media[0], "js-performance-optimization.md") {
		t.Errorf("media = %v", media)
	}
	if !filepath.IsAbs(media[0]) {
		t.Errorf("media path not absolute: %q", media[0])
	}
}

func TestReconcileRewritesUnresolvableClaim(t *testing.T) {
	ws := t.TempDir()
	content := "Done! I've sent you the file `missing-report.md`. Let me know if you need more."
	got, media := reconcileAttachments(content, ws, false)
	if len(media) != 0 {
		t.Errorf("media = %v, want none", media)
	}
	if strings.Contains(got, "sent you the file") {
		t.Errorf("delivery claim survived rewrite: %q", got)
	}
	if !strings.Contains(got, "could not be located") {
		t.Errorf("rewrite note missing: %q", got)
	}
	if !strings.Contains(got, "Let me know if you need more.") {
		t.Errorf("unrelated sentence dropped: %q", got)
	}
}

func TestReconcileSkipsWhenMediaAlreadyDelivered(t *testing.T) {
	ws := t.TempDir()
	content := "已发你了，附件就是 `whatever.md`。"
	got, media := reconcileAttachments(content, ws, true)
	if got != content || media != nil {
		t.Errorf("delivered-media turn modified: %q %v", got, media)
	}
}

func TestReconcileIgnoresPlainText(t *testing.T) {
	ws := t.TempDir()
	content := "The quarterly numbers look good overall."
	got, media := reconcileAttachments(content, ws, false)
	if got != content || media != nil {
		t.Errorf("plain text modified: %q %v", got, media)
	}
}
