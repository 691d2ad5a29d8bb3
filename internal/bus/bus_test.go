package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "local", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Content != "hi" || msg.Channel != "cli" {
		t.Errorf("got %+v", msg)
	}
	if msg.Metadata[MetaEnqueuedAt] == "" {
		t.Error("expected _enqueuedAt stamp")
	}
}

func TestConsumeInboundCancellation(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Error("expected ok=false on cancelled context")
	}
}

func TestDispatchFanOut(t *testing.T) {
	b := NewMessageBus()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	b.Subscribe("discord", func(m OutboundMessage) error {
		return errors.New("boom") // must be skipped, not propagated
	})
	b.Subscribe("discord", func(m OutboundMessage) error {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
		close(done)
		return nil
	})
	b.Subscribe("telegram", func(m OutboundMessage) error {
		t.Error("wrong channel received message")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "1", Content: "hello"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %v", got)
	}
}

func TestDispatchSurvivesPanickingSubscriber(t *testing.T) {
	b := NewMessageBus()
	done := make(chan struct{})

	b.Subscribe("web", func(m OutboundMessage) error { panic("bad subscriber") })
	b.Subscribe("web", func(m OutboundMessage) error { close(done); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Dispatch(ctx)

	b.PublishOutbound(OutboundMessage{Channel: "web", ChatID: "x"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking subscriber blocked dispatch")
	}
}

func TestStreamMetadataHelpers(t *testing.T) {
	m := OutboundMessage{Metadata: map[string]string{
		MetaStream:   "true",
		MetaStreamID: "s1",
		MetaFinal:    "true",
	}}
	if !m.IsStream() || !m.IsFinal() {
		t.Error("stream helpers mismatch")
	}
	if (OutboundMessage{}).IsStream() {
		t.Error("zero message must not be a stream")
	}
}

func TestSessionKeyPinned(t *testing.T) {
	m := InboundMessage{Channel: "web", ChatID: "abc"}
	if m.SessionKey() != "web:abc" {
		t.Errorf("got %q", m.SessionKey())
	}
	m.Metadata = map[string]string{"session_key": "web:abc:work#20250101120000"}
	if m.SessionKey() != "web:abc:work#20250101120000" {
		t.Errorf("got %q", m.SessionKey())
	}
}
