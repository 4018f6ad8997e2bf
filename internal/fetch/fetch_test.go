package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

type fakeAdapter struct {
	name  string
	ready bool
	err   error
	posts []model.NormalizedPost
	calls int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Ready() bool  { return f.ready }
func (f *fakeAdapter) Fetch(ctx context.Context, handle string, opts Options) ([]model.NormalizedPost, error) {
	f.calls++
	return f.posts, f.err
}

func TestBackoffTrackerLifecycle(t *testing.T) {
	b := NewBackoffTracker(15 * time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if b.Active(now) {
		t.Fatal("fresh tracker should not be active")
	}
	deadline := b.Trip(now)
	if want := now.Add(15 * time.Minute); !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
	if !b.Active(now.Add(14 * time.Minute)) {
		t.Fatal("tracker should be active inside the window")
	}
	if b.Active(now.Add(15 * time.Minute)) {
		t.Fatal("tracker should clear itself at the deadline")
	}
	if b.Until() != nil {
		t.Fatal("deadline should be dropped after lapse")
	}
}

func TestSelectorAutoFallsBackWithinOneCall(t *testing.T) {
	scraper := &fakeAdapter{name: "scraper", ready: true, err: ErrRateLimited}
	actor := &fakeAdapter{name: "actor", ready: true, posts: []model.NormalizedPost{{ExternalID: "abc"}}}
	sel := NewSelector(scraper, actor, NewBackoffTracker(15*time.Minute))

	posts, adapter, err := sel.Fetch(context.Background(), model.FetcherAuto, "club", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if adapter != "actor" {
		t.Fatalf("adapter = %q, want actor", adapter)
	}
	if len(posts) != 1 || posts[0].ExternalID != "abc" {
		t.Fatalf("unexpected posts %+v", posts)
	}
	if scraper.calls != 1 || actor.calls != 1 {
		t.Fatalf("calls scraper=%d actor=%d, want 1/1", scraper.calls, actor.calls)
	}
	if sel.Backoff().Until() == nil {
		t.Fatal("throttle should have armed the backoff")
	}

	// while the backoff is in force the scraper is skipped outright
	if _, adapter, err = sel.Fetch(context.Background(), model.FetcherAuto, "club", Options{}); err != nil {
		t.Fatalf("fetch during backoff: %v", err)
	}
	if adapter != "actor" || scraper.calls != 1 {
		t.Fatalf("scraper should be skipped during backoff (adapter=%q calls=%d)", adapter, scraper.calls)
	}
}

func TestSelectorAutoReturnsToScraperAfterBackoff(t *testing.T) {
	scraper := &fakeAdapter{name: "scraper", ready: true, posts: []model.NormalizedPost{{ExternalID: "s1"}}}
	actor := &fakeAdapter{name: "actor", ready: true}
	sel := NewSelector(scraper, actor, NewBackoffTracker(15*time.Minute))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sel.now = func() time.Time { return now }
	sel.backoff.Trip(base)

	now = base.Add(16 * time.Minute)
	_, adapter, err := sel.Fetch(context.Background(), model.FetcherAuto, "club", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if adapter != "scraper" {
		t.Fatalf("adapter = %q, want scraper after backoff expiry", adapter)
	}
	if actor.calls != 0 {
		t.Fatalf("actor should not be called after backoff expiry, got %d calls", actor.calls)
	}
}

func TestSelectorNoFetcherWhenActorUnready(t *testing.T) {
	scraper := &fakeAdapter{name: "scraper", ready: true, err: ErrRateLimited}
	actor := &fakeAdapter{name: "actor", ready: false}
	sel := NewSelector(scraper, actor, NewBackoffTracker(15*time.Minute))

	if _, _, err := sel.Fetch(context.Background(), model.FetcherAuto, "club", Options{}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("err = %v, want ErrNoFetcher", err)
	}
	if _, _, err := sel.Fetch(context.Background(), model.FetcherActor, "club", Options{}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("forced actor err = %v, want ErrNoFetcher", err)
	}
}

func TestSelectorForcedScraperArmsBackoff(t *testing.T) {
	scraper := &fakeAdapter{name: "scraper", ready: true, err: ErrRateLimited}
	actor := &fakeAdapter{name: "actor", ready: true}
	sel := NewSelector(scraper, actor, NewBackoffTracker(15*time.Minute))

	_, _, err := sel.Fetch(context.Background(), model.FetcherScraper, "club", Options{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if actor.calls != 0 {
		t.Fatal("forced scraper mode must not fall back")
	}
	if sel.Backoff().Until() == nil {
		t.Fatal("forced scraper throttle should still arm the backoff")
	}
}

func TestParseCookieInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{"json", `{"sessionid":"abc","csrftoken":"tok","theme":"dark"}`,
			map[string]string{"sessionid": "abc", "csrftoken": "tok"}},
		{"cookie string", "sessionid=abc; csrftoken=tok; unknown=x",
			map[string]string{"sessionid": "abc", "csrftoken": "tok"}},
		{"newlines", "sessionid=abc\nmid=m1",
			map[string]string{"sessionid": "abc", "mid": "m1"}},
		{"bare id", "99999%3Aabcdef",
			map[string]string{"sessionid": "99999%3Aabcdef"}},
		{"empty", "   ", map[string]string{}},
	}
	for _, tc := range cases {
		got := ParseCookieInput(tc.raw)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("%s: key %s = %q, want %q", tc.name, k, got[k], v)
			}
		}
	}
}

func TestScraperFetchParsesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("username"); got != "chessclub" {
			t.Errorf("username = %q", got)
		}
		w.Write([]byte(`{"data":{"user":{"edge_owner_to_timeline_media":{"edges":[
			{"node":{"shortcode":"p1","display_url":"https://cdn/p1.jpg","is_video":false,
			 "taken_at_timestamp":1750000000,
			 "edge_media_to_caption":{"edges":[{"node":{"text":"Concert tonight"}}]}}},
			{"node":{"shortcode":"p2","display_url":"https://cdn/p2.jpg","is_video":true,
			 "taken_at_timestamp":1749000000,
			 "edge_media_to_caption":{"edges":[]}}}
		]}}}}`))
	}))
	defer srv.Close()

	c := NewScraperClient(100, 10)
	c.baseURL = srv.URL
	posts, err := c.Fetch(context.Background(), "chessclub", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	if posts[0].ExternalID != "p1" || posts[0].Caption != "Concert tonight" || posts[0].IsVideo {
		t.Fatalf("unexpected first post %+v", posts[0])
	}
	if !posts[1].IsVideo || posts[1].Caption != "" {
		t.Fatalf("unexpected second post %+v", posts[1])
	}
}

func TestScraperFetchRateLimited(t *testing.T) {
	t.Run("status 429", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()
		c := NewScraperClient(100, 10)
		c.baseURL = srv.URL
		if _, err := c.Fetch(context.Background(), "club", Options{}); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
	})
	t.Run("throttle message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message":"Please wait a few minutes before you try again."}`))
		}))
		defer srv.Close()
		c := NewScraperClient(100, 10)
		c.baseURL = srv.URL
		if _, err := c.Fetch(context.Background(), "club", Options{}); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
	})
	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		c := NewScraperClient(100, 10)
		c.baseURL = srv.URL
		_, err := c.Fetch(context.Background(), "club", Options{})
		var te *TransientError
		if !errors.As(err, &te) {
			t.Fatalf("err = %v, want TransientError", err)
		}
	})
}

func TestScraperKnownBreakThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"user":{"edge_owner_to_timeline_media":{"edges":[
			{"node":{"shortcode":"new1","taken_at_timestamp":1750000500,"edge_media_to_caption":{"edges":[]}}},
			{"node":{"shortcode":"old1","taken_at_timestamp":1750000400,"edge_media_to_caption":{"edges":[]}}},
			{"node":{"shortcode":"old2","taken_at_timestamp":1750000300,"edge_media_to_caption":{"edges":[]}}},
			{"node":{"shortcode":"new2","taken_at_timestamp":1750000200,"edge_media_to_caption":{"edges":[]}}}
		]}}}}`))
	}))
	defer srv.Close()

	c := NewScraperClient(100, 10)
	c.baseURL = srv.URL
	posts, err := c.Fetch(context.Background(), "club", Options{
		KnownIDs:            map[string]struct{}{"old1": {}, "old2": {}},
		KnownBreakThreshold: 2,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// two consecutive known posts stop the walk before new2 is reached
	if len(posts) != 1 || posts[0].ExternalID != "new1" {
		t.Fatalf("got %+v, want just new1", posts)
	}
}

func TestActorFetchNormalizesItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"shortCode":"a1","caption":"Workshop Friday","displayUrl":"https://cdn/a1.jpg",
			 "timestamp":"2026-02-10T18:00:00.000Z","type":"Image"},
			{"shortCode":"a2","caption":"","type":"Video",
			 "images":[{"url":"https://cdn/a2.jpg"}],"timestamp":"2026-02-09T18:00:00.000Z"}
		]`))
	}))
	defer srv.Close()

	c := NewActorClient(srv.URL, time.Minute)
	c.Configure("tok", "actor~scraper", true)
	posts, err := c.Fetch(context.Background(), "club", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	if posts[0].ExternalID != "a1" || posts[0].IsVideo || posts[0].ImageURL != "https://cdn/a1.jpg" {
		t.Fatalf("unexpected first post %+v", posts[0])
	}
	if !posts[1].IsVideo || posts[1].ImageURL != "https://cdn/a2.jpg" {
		t.Fatalf("unexpected second post %+v", posts[1])
	}
}

func TestActorNotConfigured(t *testing.T) {
	c := NewActorClient("http://unused", time.Minute)
	if c.Ready() {
		t.Fatal("actor without credentials should not be ready")
	}
	if _, err := c.Fetch(context.Background(), "club", Options{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestActorSyncFallsBackToPolling(t *testing.T) {
	var sawSync, sawStart, sawItems bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/acts/actor~scraper/run-sync-get-dataset-items":
			sawSync = true
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/acts/actor~scraper/runs":
			sawStart = true
			w.Write([]byte(`{"data":{"id":"run1","status":"SUCCEEDED","defaultDatasetId":"ds1"}}`))
		case r.URL.Path == "/datasets/ds1/items":
			sawItems = true
			w.Write([]byte(`[{"shortCode":"b1","timestamp":"2026-02-10T18:00:00Z","type":"Image"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewActorClient(srv.URL, time.Minute)
	c.Configure("tok", "actor~scraper", true)
	posts, err := c.Fetch(context.Background(), "club", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !sawSync || !sawStart || !sawItems {
		t.Fatalf("expected sync attempt then polling run (sync=%v start=%v items=%v)", sawSync, sawStart, sawItems)
	}
	if len(posts) != 1 || posts[0].ExternalID != "b1" {
		t.Fatalf("unexpected posts %+v", posts)
	}

	// the failure latches, later calls go straight to polling
	sawSync = false
	if _, err := c.Fetch(context.Background(), "club", Options{}); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if sawSync {
		t.Fatal("sync endpoint should not be retried after latching")
	}
}
