// Package fetch retrieves posts for monitored accounts through one of two
// adapter families: a direct web scraping client and a hosted actor API.
// The Selector decides which family serves a given call and handles the
// fallback when the host starts throttling the scraper.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

var (
	// ErrRateLimited reports the host's throttle signature, as opposed to a
	// generic network failure.
	ErrRateLimited = errors.New("fetch: rate limited by host")
	// ErrNotConfigured means an adapter lacks the credentials it needs.
	ErrNotConfigured = errors.New("fetch: adapter not configured")
	// ErrNoFetcher means neither adapter family can serve the call.
	ErrNoFetcher = errors.New("fetch: no fetcher available")
)

// TransientError wraps a network or host failure worth retrying next pass.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("fetch: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Options bound a fetch: either the newest Count posts, or everything since
// a timestamp. KnownIDs lets adapters stop paging once they run into
// consecutive already-stored posts.
type Options struct {
	Count    int
	Since    time.Time
	KnownIDs map[string]struct{}
	// KnownBreakThreshold is the consecutive-known count that stops the
	// fetch. Values below 1 are treated as 1.
	KnownBreakThreshold int
}

func (o Options) breakThreshold() int {
	if o.KnownBreakThreshold < 1 {
		return 1
	}
	return o.KnownBreakThreshold
}

// Adapter is one fetch strategy returning normalized posts for a handle.
type Adapter interface {
	Name() string
	Ready() bool
	Fetch(ctx context.Context, handle string, opts Options) ([]model.NormalizedPost, error)
}

// filterSince drops posts older than the bound when one is set.
func filterSince(posts []model.NormalizedPost, since time.Time) []model.NormalizedPost {
	if since.IsZero() {
		return posts
	}
	out := posts[:0]
	for _, p := range posts {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out
}
