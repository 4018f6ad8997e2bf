package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

// scheduler wraps the cron loop behind the service mutex.
type scheduler struct {
	cron     *cron.Cron
	entryID  cron.EntryID
	interval time.Duration
}

// Start arms the background loop at the given interval. Restarting with a
// new interval reschedules; an interval below one minute is rejected.
func (s *Service) Start(intervalMinutes int) error {
	if intervalMinutes < 1 {
		return errors.New("monitor: interval must be at least one minute")
	}
	interval := time.Duration(intervalMinutes) * time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		if s.sched.interval == interval {
			return nil
		}
		s.sched.cron.Stop()
		s.sched = nil
	}

	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %dm", intervalMinutes), s.scheduledRun)
	if err != nil {
		return err
	}
	c.Start()
	s.sched = &scheduler{cron: c, entryID: id, interval: interval}
	logging.Info("scheduler started", logging.Fields{"interval_minutes": intervalMinutes})
	return nil
}

// Stop disarms the loop. An in-flight pass is left to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return
	}
	s.sched.cron.Stop()
	s.sched = nil
	logging.Info("scheduler stopped", nil)
}

// Reschedule applies a new interval to a running loop, or does nothing if
// the loop is stopped.
func (s *Service) Reschedule(intervalMinutes int) error {
	s.mu.Lock()
	running := s.sched != nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	return s.Start(intervalMinutes)
}

// scheduledRun is the cron callback. A manual pass already holding the slot
// simply skips this tick.
func (s *Service) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if _, err := s.RunOnce(ctx, Options{}); err != nil {
		if errors.Is(err, ErrPassInFlight) {
			logging.Warn("scheduled tick skipped, pass in flight", nil)
			return
		}
		logging.Error("scheduled pass failed", logging.Fields{"error": err.Error()})
	}
}

// Status reports the scheduler snapshot. While the scraper is rate-limited
// and no actor fallback is configured, the next-run ETA stretches to the
// backoff deadline since an earlier run could not fetch anything anyway.
func (s *Service) Status(ctx context.Context) (Status, error) {
	settings, err := s.db.Settings(ctx, s.defaultSettings())
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	st := Status{
		IntervalMinutes: settings.IntervalMinutes,
		PassInFlight:    s.inFlight,
		LastRun:         s.lastRun,
		LastError:       s.lastError,
	}
	var next time.Time
	if s.sched != nil {
		st.Enabled = true
		next = s.sched.cron.Entry(s.sched.entryID).Next
	}
	s.mu.Unlock()

	st.FetcherMode = string(settings.FetcherMode)
	st.ActiveAdapter = s.selector.Active(settings.FetcherMode)

	now := time.Now()
	backoff := s.selector.Backoff()
	if backoff.Active(now) {
		st.RateLimited = true
		st.RateLimitUntil = backoff.Until()
		if st.RateLimitUntil != nil && !settings.ActorReady() && st.RateLimitUntil.After(next) {
			next = *st.RateLimitUntil
		}
	}
	if !next.IsZero() {
		eta := int64(time.Until(next).Seconds())
		if eta < 0 {
			eta = 0
		}
		st.NextRunETASeconds = &eta
	}
	return st, nil
}

// ClassifyManual applies a human label to a post.
func (s *Service) ClassifyManual(ctx context.Context, postID int64, isEvent bool, confidence float64, notes string) error {
	if err := s.db.ClassifyPost(ctx, postID, isEvent, confidence, model.SourceManual, notes); err != nil {
		return err
	}
	metrics.Classifications.WithLabelValues(string(model.SourceManual)).Inc()
	return nil
}
