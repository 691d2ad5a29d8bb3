package channels

import (
	"testing"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func TestSessionKeyHelpers(t *testing.T) {
	if got := GroupSessionKey("discord", "123"); got != "discord:group:123" {
		t.Errorf("group key = %q", got)
	}
	if got := DirectSessionKey("telegram", "456"); got != "telegram:p2p:456" {
		t.Errorf("direct key = %q", got)
	}
}

func TestPublishInboundPinsSessionKey(t *testing.T) {
	b := bus.NewMessageBus()
	base := NewBaseChannel("discord", b)
	base.PublishInbound("u1", "c1", "hello", nil, "discord:group:c1", map[string]string{"guild_id": "g"})

	msg, ok := b.ConsumeInbound(t.Context())
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.SessionKey() != "discord:group:c1" {
		t.Errorf("session key = %q", msg.SessionKey())
	}
	if msg.Metadata["guild_id"] != "g" {
		t.Errorf("extra metadata lost: %v", msg.Metadata)
	}
}

func TestStreamAssemblerReassemblesDeltas(t *testing.T) {
	a := NewStreamAssembler()

	chunk := func(id, content string, final bool) bus.OutboundMessage {
		meta := map[string]string{bus.MetaStream: "true", bus.MetaStreamID: id}
		if final {
			meta[bus.MetaFinal] = "true"
		}
		return bus.OutboundMessage{Channel: "discord", ChatID: "c", Content: content, Metadata: meta}
	}

	if _, done := a.Collect(chunk("s1", "Hello, ", false)); done {
		t.Error("partial chunk reported done")
	}
	if _, done := a.Collect(chunk("s1", "world", false)); done {
		t.Error("partial chunk reported done")
	}
	got, done := a.Collect(chunk("s1", "!", true))
	if !done || got != "Hello, world!" {
		t.Errorf("assembled = %q, done = %v", got, done)
	}

	// Non-stream messages pass through untouched.
	plain := bus.OutboundMessage{Content: "direct"}
	if got, done := a.Collect(plain); !done || got != "direct" {
		t.Errorf("plain passthrough = %q, %v", got, done)
	}
}

func TestStreamAssemblerKeepsStreamsSeparate(t *testing.T) {
	a := NewStreamAssembler()
	meta := func(id string, final bool) map[string]string {
		m := map[string]string{bus.MetaStream: "true", bus.MetaStreamID: id}
		if final {
			m[bus.MetaFinal] = "true"
		}
		return m
	}
	a.Collect(bus.OutboundMessage{Content: "a", Metadata: meta("s1", false)})
	a.Collect(bus.OutboundMessage{Content: "x", Metadata: meta("s2", false)})
	got, _ := a.Collect(bus.OutboundMessage{Content: "b", Metadata: meta("s1", true)})
	if got != "ab" {
		t.Errorf("stream s1 = %q", got)
	}
	got, _ = a.Collect(bus.OutboundMessage{Content: "y", Metadata: meta("s2", true)})
	if got != "xy" {
		t.Errorf("stream s2 = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("今天天气不错啊", 3); got != "今天天..." {
		t.Errorf("cjk truncate = %q", got)
	}
}
