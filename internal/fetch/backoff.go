package fetch

import (
	"sync"
	"time"
)

// BackoffTracker records when the scraper got throttled and how long to
// avoid it. The window is fixed, not exponential; repeated hits simply
// re-arm the same cool-down. The flag clears itself once the deadline
// passes, no explicit reset required.
type BackoffTracker struct {
	mu     sync.Mutex
	until  time.Time
	window time.Duration
}

// NewBackoffTracker builds a tracker with the given cool-down window.
func NewBackoffTracker(window time.Duration) *BackoffTracker {
	if window < time.Minute {
		window = time.Minute
	}
	return &BackoffTracker{window: window}
}

// Trip arms the backoff from now and returns the deadline.
func (b *BackoffTracker) Trip(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until = now.Add(b.window)
	return b.until
}

// Active reports whether the cool-down is still in force, clearing the
// stored deadline once it has lapsed.
func (b *BackoffTracker) Active(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return false
	}
	if !now.Before(b.until) {
		b.until = time.Time{}
		return false
	}
	return true
}

// Until returns the current deadline, or nil when not rate-limited.
func (b *BackoffTracker) Until() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return nil
	}
	t := b.until
	return &t
}

// Clear drops the deadline, e.g. after a successful fallback run or a fresh
// session upload.
func (b *BackoffTracker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until = time.Time{}
}

// Window exposes the configured cool-down length.
func (b *BackoffTracker) Window() time.Duration { return b.window }
