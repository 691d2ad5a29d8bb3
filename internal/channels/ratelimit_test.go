package channels

import (
	"fmt"
	"testing"
)

func TestChatRateLimiterBurst(t *testing.T) {
	r := NewChatRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !r.Allow("chat") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if r.Allow("chat") {
		t.Error("request beyond burst allowed")
	}
	if !r.Allow("other") {
		t.Error("unrelated chat denied")
	}
}

func TestChatRateLimiterDisabled(t *testing.T) {
	r := NewChatRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("chat") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestChatRateLimiterBoundsTrackedChats(t *testing.T) {
	r := NewChatRateLimiter(10)
	for i := 0; i < maxTrackedChats+100; i++ {
		r.Allow(fmt.Sprintf("chat-%d", i))
	}
	r.mu.Lock()
	n := len(r.limiters)
	r.mu.Unlock()
	if n > maxTrackedChats {
		t.Errorf("tracked chats = %d, cap = %d", n, maxTrackedChats)
	}
}
