package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetOrCreateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := store.GetOrCreate("telegram:p2p:42")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sess.Key, "telegram:p2p:42#") {
		t.Errorf("active key = %q", sess.Key)
	}

	sess.AddMessage("user", "hello", nil)
	sess.AddMessage("assistant", "hi there", []string{"/tmp/pic.png"})
	sess.Metadata.Context.Summary = "greeting exchange"
	sess.Metadata.Context.SummaryIndex = 1
	sess.Metadata.LLMSession.PreviousResponseID = "resp_1"
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	// Fresh store simulates process restart.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := store2.GetOrCreate("telegram:p2p:42")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Key != sess.Key {
		t.Errorf("reloaded key = %q, want %q", reloaded.Key, sess.Key)
	}
	if len(reloaded.Messages) != 2 {
		t.Fatalf("messages = %d", len(reloaded.Messages))
	}
	if reloaded.Messages[0].Content != "hello" || reloaded.Messages[1].Content != "hi there" {
		t.Errorf("message contents = %+v", reloaded.Messages)
	}
	if got := reloaded.Messages[1].Media; len(got) != 1 || got[0] != "/tmp/pic.png" {
		t.Errorf("media = %v", got)
	}
	if reloaded.Metadata.Context.Summary != "greeting exchange" || reloaded.Metadata.Context.SummaryIndex != 1 {
		t.Errorf("context meta = %+v", reloaded.Metadata.Context)
	}
	if reloaded.Metadata.LLMSession.PreviousResponseID != "resp_1" {
		t.Errorf("llm session meta = %+v", reloaded.Metadata.LLMSession)
	}
}

func TestStartNewRollsForward(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first, err := store.GetOrCreate("discord:group:99")
	if err != nil {
		t.Fatal(err)
	}
	first.AddMessage("user", "old conversation", nil)
	if err := store.Save(first); err != nil {
		t.Fatal(err)
	}

	second, err := store.StartNew("discord:group:99")
	if err != nil {
		t.Fatal(err)
	}
	if second.Key == first.Key {
		t.Fatal("startNew must mint a new key")
	}
	if second.Key <= first.Key {
		t.Errorf("new key %q not greater than %q", second.Key, first.Key)
	}
	if len(second.Messages) != 0 {
		t.Errorf("new session has %d messages", len(second.Messages))
	}

	// Pointer follows the new session.
	cur, err := store.GetOrCreate("discord:group:99")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Key != second.Key {
		t.Errorf("active = %q, want %q", cur.Key, second.Key)
	}

	// The prior file remains readable by its exact key.
	old, err := store.GetOrCreate(first.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(old.Messages) != 1 || old.Messages[0].Content != "old conversation" {
		t.Errorf("old session = %+v", old.Messages)
	}
}

func TestStartNewMonotonicWithinSecond(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prev := ""
	for i := 0; i < 3; i++ {
		s, err := store.StartNew("cli:p2p:local")
		if err != nil {
			t.Fatal(err)
		}
		if s.Key <= prev {
			t.Fatalf("key %q not strictly greater than %q", s.Key, prev)
		}
		prev = s.Key
	}
}

func TestExactActiveKeyBypassesIndex(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	pinned := "web:chat1:default#20260101000000"
	sess, err := store.GetOrCreate(pinned)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Key != pinned {
		t.Errorf("key = %q", sess.Key)
	}
	if store.ActiveKey("web:chat1:default") != "" {
		t.Error("pinned lookup must not touch the index")
	}
}

func TestLegacyFileAdoption(t *testing.T) {
	dir := t.TempDir()

	// A pre-index session file named after the bare base key.
	legacy := `{"role":"user","content":"from the old days","timestamp":"2025-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "telegram_p2p_7.jsonl"), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.GetOrCreate("telegram:p2p:7")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Key != "telegram:p2p:7" {
		t.Errorf("adopted key = %q", sess.Key)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Content != "from the old days" {
		t.Errorf("messages = %+v", sess.Messages)
	}
	if store.ActiveKey("telegram:p2p:7") != "telegram:p2p:7" {
		t.Error("adoption must record the pointer")
	}
}

func TestDeleteClearsPointer(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.GetOrCreate("cli:p2p:me")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(sess.Key); err != nil {
		t.Fatal(err)
	}
	if store.ActiveKey("cli:p2p:me") != "" {
		t.Error("pointer not cleared")
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.GetOrCreate("discord:p2p:5")
	if err != nil {
		t.Fatal(err)
	}

	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	again, err := store2.GetOrCreate("discord:p2p:5")
	if err != nil {
		t.Fatal(err)
	}
	if again.Key != sess.Key {
		t.Errorf("restart resolved %q, want %q", again.Key, sess.Key)
	}
}

func TestSafeFilename(t *testing.T) {
	if got := safeFilename("telegram:p2p:42#20260101000000"); got != "telegram_p2p_42#20260101000000" {
		t.Errorf("safeFilename = %q", got)
	}
	got := safeFilename("web:chat/../../etc:x")
	if strings.ContainsAny(got, `/\:`) || strings.Contains(got, "..") {
		t.Errorf("unsafe filename %q", got)
	}
}

func TestBaseKey(t *testing.T) {
	if got := BaseKey("a:b#123"); got != "a:b" {
		t.Errorf("BaseKey = %q", got)
	}
	if got := BaseKey("a:b"); got != "a:b" {
		t.Errorf("BaseKey = %q", got)
	}
}
