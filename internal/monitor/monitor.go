// Package monitor runs the polling passes: iterate active clubs, fetch new
// posts through the selector, classify and optionally extract them, and keep
// the scheduler state the API reports on.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/classify"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/config"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/extract"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/fetch"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/util"
)

// ErrPassInFlight rejects a second pass while one is running. Callers retry
// later instead of queueing.
var ErrPassInFlight = errors.New("monitor: a pass is already in flight")

const recentIDWindow = 20

// Options tune one pass.
type Options struct {
	// Count caps posts fetched per club; 0 falls back to the settings
	// results limit, then to 12.
	Count int
	// Handles restricts the pass to specific club handles when non-empty.
	Handles []string
}

func (o Options) count(settings model.Settings) int {
	switch {
	case o.Count > 0:
		return o.Count
	case settings.ActorResultsLimit > 0:
		return settings.ActorResultsLimit
	default:
		return 12
	}
}

// EventType identifies one progress event in a streamed pass.
type EventType string

const (
	EventPassStart   EventType = "pass_start"
	EventClubStart   EventType = "club_start"
	EventClubDone    EventType = "club_done"
	EventClubError   EventType = "club_error"
	EventWarning     EventType = "warning"
	EventPassSummary EventType = "pass_summary"
)

// ProgressEvent is one entry in the ordered stream a pass emits.
type ProgressEvent struct {
	Type     EventType `json:"type"`
	PassID   string    `json:"pass_id"`
	Club     string    `json:"club,omitempty"`
	Handle   string    `json:"handle,omitempty"`
	Adapter  string    `json:"adapter,omitempty"`
	NewPosts int       `json:"new_posts,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// PassResult summarizes one completed pass.
type PassResult struct {
	PassID       string    `json:"pass_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	ClubsChecked int       `json:"clubs_checked"`
	NewPosts     int       `json:"new_posts"`
	ClubErrors   int       `json:"club_errors"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// Status is the scheduler snapshot served by the API.
type Status struct {
	Enabled           bool       `json:"enabled"`
	IntervalMinutes   int        `json:"interval_minutes"`
	PassInFlight      bool       `json:"pass_in_flight"`
	LastRun           *time.Time `json:"last_run"`
	NextRunETASeconds *int64     `json:"next_run_eta_seconds"`
	LastError         string     `json:"last_error,omitempty"`
	FetcherMode       string     `json:"fetcher_mode"`
	ActiveAdapter     string     `json:"active_adapter"`
	RateLimited       bool       `json:"rate_limited"`
	RateLimitUntil    *time.Time `json:"rate_limit_until,omitempty"`
}

// Service owns pass execution and the background schedule.
type Service struct {
	db         *store.DB
	selector   *fetch.Selector
	classifier classify.Classifier
	extractor  *extract.Coordinator
	cfg        config.MonitorConfig

	// ApplySettings, when set, pushes freshly loaded settings into the
	// adapters (actor credentials, AI key) before each pass.
	ApplySettings func(model.Settings)

	passMu   sync.Mutex
	inFlight bool

	mu        sync.Mutex
	sched     *scheduler
	lastRun   *time.Time
	lastError string

	sleep func(context.Context, time.Duration)
	rand  *rand.Rand
}

// New wires a monitor service. extractor may be nil when extraction is not
// configured.
func New(db *store.DB, selector *fetch.Selector, classifier classify.Classifier, extractor *extract.Coordinator, cfg config.MonitorConfig) *Service {
	return &Service{
		db:         db,
		selector:   selector,
		classifier: classifier,
		extractor:  extractor,
		cfg:        cfg,
		sleep:      sleepCtx,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Backoff exposes the selector's rate-limit state.
func (s *Service) Backoff() *fetch.BackoffTracker { return s.selector.Backoff() }

// tryAcquire takes the single-flight slot without blocking.
func (s *Service) tryAcquire() bool {
	if !s.passMu.TryLock() {
		return false
	}
	s.mu.Lock()
	s.inFlight = true
	s.mu.Unlock()
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
	s.passMu.Unlock()
}

// RunOnce executes one pass synchronously. A pass already in flight is
// rejected with ErrPassInFlight, never queued.
func (s *Service) RunOnce(ctx context.Context, opts Options) (PassResult, error) {
	if !s.tryAcquire() {
		return PassResult{}, ErrPassInFlight
	}
	defer s.release()
	return s.runPass(ctx, opts, nil), nil
}

// RunStream executes one pass in the background, emitting ordered progress
// events on the returned channel. The channel is buffered and sends never
// block, so a consumer that disconnects does not stall or cancel the pass.
// The channel closes when the pass finishes.
func (s *Service) RunStream(ctx context.Context, opts Options) (<-chan ProgressEvent, error) {
	if !s.tryAcquire() {
		return nil, ErrPassInFlight
	}
	events := make(chan ProgressEvent, 256)
	go func() {
		defer s.release()
		defer close(events)
		s.runPass(ctx, opts, events)
	}()
	return events, nil
}

func emit(events chan<- ProgressEvent, ev ProgressEvent) {
	if events == nil {
		return
	}
	ev.Time = time.Now().UTC()
	select {
	case events <- ev:
	default:
		// slow or gone consumer, drop rather than stall the pass
	}
}

// runPass walks the active clubs in stable name order. Per-club failures are
// recorded and skipped so one bad account never aborts the pass.
func (s *Service) runPass(ctx context.Context, opts Options, events chan<- ProgressEvent) PassResult {
	passID := uuid.NewString()
	started := time.Now().UTC()
	metrics.PassRuns.Inc()
	defer metrics.ObservePassDuration(started)

	result := PassResult{PassID: passID, StartedAt: started}
	settings, err := s.db.Settings(ctx, s.defaultSettings())
	if err != nil {
		s.finishPass(&result, fmt.Sprintf("load settings: %v", err), events)
		metrics.PassErrors.Inc()
		return result
	}
	if s.ApplySettings != nil {
		s.ApplySettings(settings)
	}

	clubs, err := s.db.ListActiveClubs(ctx)
	if err != nil {
		s.finishPass(&result, fmt.Sprintf("list clubs: %v", err), events)
		metrics.PassErrors.Inc()
		return result
	}
	clubs = filterHandles(clubs, opts.Handles)

	logging.Info("pass started", logging.Fields{"pass_id": passID, "clubs": len(clubs)})
	emit(events, ProgressEvent{Type: EventPassStart, PassID: passID, Message: fmt.Sprintf("%d clubs", len(clubs))})

	var passErr string
	for i, club := range clubs {
		if ctx.Err() != nil {
			passErr = ctx.Err().Error()
			break
		}
		emit(events, ProgressEvent{Type: EventClubStart, PassID: passID, Club: club.Name, Handle: club.Username})

		newPosts, adapter, err := s.checkClub(ctx, club, settings, opts.count(settings))
		result.ClubsChecked++
		if lcErr := s.db.SetLastChecked(ctx, club.ID, time.Now().UTC()); lcErr != nil {
			logging.Error("record last_checked", logging.Fields{"club": club.Username, "error": lcErr.Error()})
		}
		switch {
		case errors.Is(err, fetch.ErrNoFetcher):
			msg := fmt.Sprintf("%s: no fetcher available", club.Username)
			result.Warnings = append(result.Warnings, msg)
			passErr = msg
			emit(events, ProgressEvent{Type: EventWarning, PassID: passID, Club: club.Name, Handle: club.Username, Message: "no fetcher available"})
			logging.Warn("no fetcher available", logging.Fields{"club": club.Username})
		case err != nil:
			result.ClubErrors++
			passErr = fmt.Sprintf("%s: %v", club.Username, err)
			emit(events, ProgressEvent{Type: EventClubError, PassID: passID, Club: club.Name, Handle: club.Username, Message: err.Error()})
			logging.Error("club check failed", logging.Fields{"club": club.Username, "error": err.Error()})
		default:
			result.NewPosts += newPosts
			emit(events, ProgressEvent{Type: EventClubDone, PassID: passID, Club: club.Name, Handle: club.Username, Adapter: adapter, NewPosts: newPosts})
		}

		if i < len(clubs)-1 {
			s.sleep(ctx, s.jitteredDelay(settings.FetchDelaySeconds))
		}
	}

	s.finishPass(&result, passErr, events)
	return result
}

func (s *Service) finishPass(result *PassResult, passErr string, events chan<- ProgressEvent) {
	result.FinishedAt = time.Now().UTC()
	s.mu.Lock()
	t := result.FinishedAt
	s.lastRun = &t
	s.lastError = passErr
	s.mu.Unlock()
	emit(events, ProgressEvent{
		Type:     EventPassSummary,
		PassID:   result.PassID,
		NewPosts: result.NewPosts,
		Message:  fmt.Sprintf("checked %d clubs, %d new posts, %d errors", result.ClubsChecked, result.NewPosts, result.ClubErrors),
	})
	logging.Info("pass finished", logging.Fields{
		"pass_id":   result.PassID,
		"clubs":     result.ClubsChecked,
		"new_posts": result.NewPosts,
		"errors":    result.ClubErrors,
	})
}

// checkClub fetches and ingests one club's feed.
func (s *Service) checkClub(ctx context.Context, club model.Club, settings model.Settings, count int) (int, string, error) {
	known, err := s.db.RecentPostIDs(ctx, club.ID, recentIDWindow)
	if err != nil {
		return 0, "", err
	}
	posts, adapter, err := s.selector.Fetch(ctx, settings.FetcherMode, club.Username, fetch.Options{
		Count:               count,
		KnownIDs:            known,
		KnownBreakThreshold: s.cfg.KnownBreakThreshold,
	})
	if err != nil {
		return 0, adapter, err
	}

	autoClassify := settings.ClassificationMode == model.ModeAuto && club.ClassificationMode == model.ModeAuto
	created := 0
	for _, p := range posts {
		var cls *store.Classification
		if autoClassify {
			isEvent, conf := s.classifier.Classify(p.Caption)
			cls = &store.Classification{IsEvent: isEvent, Confidence: conf, Source: model.SourceKeyword}
		}
		row, isNew, err := s.db.UpsertPost(ctx, club.ID, p, cls)
		if err != nil {
			logging.Error("store post", logging.Fields{"club": club.Username, "post": p.ExternalID, "error": err.Error()})
			continue
		}
		if !isNew {
			continue
		}
		created++
		metrics.PostsIngested.Inc()
		if cls != nil {
			metrics.Classifications.WithLabelValues(string(model.SourceKeyword)).Inc()
		}
		if s.extractor != nil && settings.AutoExtract && cls != nil && cls.IsEvent {
			s.extractor.AutoExtract(ctx, row)
		}
	}
	return created, adapter, nil
}

// jitteredDelay spreads the configured inter-club delay by +/-50% so polls
// do not land on a fixed cadence.
func (s *Service) jitteredDelay(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	base := time.Duration(seconds) * time.Second
	s.mu.Lock()
	f := 0.5 + s.rand.Float64()
	s.mu.Unlock()
	return time.Duration(float64(base) * f)
}

func (s *Service) defaultSettings() model.Settings {
	return model.Settings{
		MonitoringEnabled:  true,
		IntervalMinutes:    s.cfg.IntervalMinutes,
		ClassificationMode: model.ModeAuto,
		FetcherMode:        model.FetcherAuto,
		FetchDelaySeconds:  s.cfg.FetchDelaySeconds,
	}
}

func filterHandles(clubs []model.Club, handles []string) []model.Club {
	if len(handles) == 0 {
		return clubs
	}
	want := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		want[util.CleanHandle(h)] = struct{}{}
	}
	out := clubs[:0]
	for _, c := range clubs {
		if _, ok := want[c.Username]; ok {
			out = append(out, c)
		}
	}
	return out
}
