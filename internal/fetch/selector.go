package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

// Selector routes a fetch to the right adapter family for the configured
// mode. In auto mode the scraper is preferred until the host throttles it;
// the throttle arms the backoff tracker and the same call falls through to
// the actor, so a pass in flight keeps producing posts instead of dying on
// the first 429.
type Selector struct {
	scraper Adapter
	actor   Adapter
	backoff *BackoffTracker
	now     func() time.Time
}

// NewSelector wires the two adapter families and the shared backoff state.
func NewSelector(scraper, actor Adapter, backoff *BackoffTracker) *Selector {
	return &Selector{
		scraper: scraper,
		actor:   actor,
		backoff: backoff,
		now:     time.Now,
	}
}

// Backoff exposes the tracker for status reporting.
func (s *Selector) Backoff() *BackoffTracker { return s.backoff }

// Active returns the adapter auto mode would pick right now, for status
// display. Forced modes report their own adapter regardless of readiness.
func (s *Selector) Active(mode model.FetcherMode) string {
	switch mode {
	case model.FetcherScraper:
		return s.scraper.Name()
	case model.FetcherActor:
		return s.actor.Name()
	default:
		if s.backoff.Active(s.now()) && s.actor.Ready() {
			return s.actor.Name()
		}
		return s.scraper.Name()
	}
}

// Fetch retrieves posts for one handle under the given mode.
//
// Forced modes use exactly one family: scraper throttles still arm the
// backoff tracker (so auto callers benefit), actor without credentials is
// ErrNoFetcher. Auto mode tries the scraper first unless the backoff is in
// force, and falls back to the actor inside the same call when the scraper
// reports a throttle.
func (s *Selector) Fetch(ctx context.Context, mode model.FetcherMode, handle string, opts Options) ([]model.NormalizedPost, string, error) {
	switch mode {
	case model.FetcherScraper:
		posts, err := s.scraper.Fetch(ctx, handle, opts)
		if errors.Is(err, ErrRateLimited) {
			s.backoff.Trip(s.now())
		}
		return posts, s.scraper.Name(), err

	case model.FetcherActor:
		if !s.actor.Ready() {
			return nil, s.actor.Name(), ErrNoFetcher
		}
		posts, err := s.actor.Fetch(ctx, handle, opts)
		return posts, s.actor.Name(), err

	default:
		if s.backoff.Active(s.now()) {
			if !s.actor.Ready() {
				return nil, "", ErrNoFetcher
			}
			posts, err := s.actor.Fetch(ctx, handle, opts)
			return posts, s.actor.Name(), err
		}
		posts, err := s.scraper.Fetch(ctx, handle, opts)
		if err == nil {
			return posts, s.scraper.Name(), nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, s.scraper.Name(), err
		}
		until := s.backoff.Trip(s.now())
		logging.Warn("scraper throttled, switching to actor", logging.Fields{
			"handle":        handle,
			"backoff_until": until.Format(time.RFC3339),
		})
		if !s.actor.Ready() {
			return nil, s.scraper.Name(), ErrNoFetcher
		}
		posts, err = s.actor.Fetch(ctx, handle, opts)
		return posts, s.actor.Name(), err
	}
}
