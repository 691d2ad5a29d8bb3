package channels

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedChats bounds limiter memory against chat-ID churn from
// unauthenticated clients.
const maxTrackedChats = 4096

// ChatRateLimiter enforces a per-chat requests-per-minute budget. Entries
// idle longer than the prune window are dropped; when the table still
// overflows, oldest entries are evicted.
type ChatRateLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*chatLimiter
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewChatRateLimiter(rpm int) *ChatRateLimiter {
	return &ChatRateLimiter{
		rpm:      rpm,
		limiters: make(map[string]*chatLimiter),
	}
}

// Allow reports whether a request for chatID fits the budget. A zero or
// negative rpm disables limiting.
func (r *ChatRateLimiter) Allow(chatID string) bool {
	if r.rpm <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.limiters[chatID]
	if !ok {
		if len(r.limiters) >= maxTrackedChats {
			r.prune()
		}
		entry = &chatLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.rpm),
		}
		r.limiters[chatID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// prune drops entries idle for over ten minutes, then hard-evicts the oldest
// entries if the table is still full. Caller holds the lock.
func (r *ChatRateLimiter) prune() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
		}
	}

	for len(r.limiters) >= maxTrackedChats {
		var oldestID string
		var oldestSeen time.Time
		for id, entry := range r.limiters {
			if oldestID == "" || entry.lastSeen.Before(oldestSeen) {
				oldestID = id
				oldestSeen = entry.lastSeen
			}
		}
		delete(r.limiters, oldestID)
		slog.Debug("rate limiter evicted chat", "chat_id", oldestID)
	}
}
