package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

const defaultActorBase = "https://api.apify.com/v2"

// terminal actor run states
var terminalRunStates = map[string]bool{
	"SUCCEEDED": true, "FAILED": true, "ABORTED": true, "TIMED_OUT": true,
}

// ActorClient drives a hosted scraping actor. Internally it prefers the
// sync runner (one request, dataset items in the response) when enabled,
// and otherwise starts a run and polls it to completion. With no token
// configured the whole family reports itself unusable.
type ActorClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	mu          sync.RWMutex
	token       string
	actorID     string
	syncEnabled bool
	syncFailed  bool
}

// NewActorClient builds the actor client. timeout bounds one run end-to-end.
func NewActorClient(baseURL string, timeout time.Duration) *ActorClient {
	if baseURL == "" {
		baseURL = defaultActorBase
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &ActorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		timeout:    timeout,
	}
}

func (c *ActorClient) Name() string { return "actor" }

// Configure swaps in credentials, resetting the sync-runner failure latch
// when they change.
func (c *ActorClient) Configure(token, actorID string, syncEnabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token || actorID != c.actorID {
		c.syncFailed = false
	}
	c.token = token
	c.actorID = actorID
	c.syncEnabled = syncEnabled
}

// Ready reports whether the actor family can be selected at all.
func (c *ActorClient) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != "" && c.actorID != ""
}

type actorInput struct {
	DirectURLs   []string `json:"directUrls"`
	ResultsType  string   `json:"resultsType"`
	ResultsLimit int      `json:"resultsLimit"`
	MaxItems     int      `json:"maxItems"`
	SearchLimit  int      `json:"searchLimit"`
	AddParent    bool     `json:"addParentData"`
}

type actorItem struct {
	ShortCode     string `json:"shortCode"`
	Shortcode     string `json:"shortcode"`
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	DisplayURL    string `json:"displayUrl"`
	Timestamp     string `json:"timestamp"`
	Type          string `json:"type"`
	OwnerUsername string `json:"ownerUsername"`
	InputURL      string `json:"inputUrl"`
	Images        []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (it actorItem) externalID() string {
	if it.ShortCode != "" {
		return it.ShortCode
	}
	if it.Shortcode != "" {
		return it.Shortcode
	}
	return it.ID
}

func (it actorItem) imageURL() string {
	if it.DisplayURL != "" {
		return it.DisplayURL
	}
	if len(it.Images) > 0 {
		return it.Images[0].URL
	}
	return ""
}

// Fetch runs the actor for one handle and normalizes the dataset items.
func (c *ActorClient) Fetch(ctx context.Context, handle string, opts Options) ([]model.NormalizedPost, error) {
	metrics.FetcherCalls.WithLabelValues(c.Name()).Inc()
	if !c.Ready() {
		return nil, ErrNotConfigured
	}
	limit := opts.Count
	if limit <= 0 {
		limit = 30
	}
	input := actorInput{
		DirectURLs:   []string{fmt.Sprintf("https://www.instagram.com/%s/", handle)},
		ResultsType:  "posts",
		ResultsLimit: limit,
		MaxItems:     limit,
		SearchLimit:  1,
	}
	items, err := c.runAndCollect(ctx, input, limit)
	if err != nil {
		return nil, err
	}
	posts := normalizeActorItems(items, opts)
	return filterSince(posts, opts.Since), nil
}

func (c *ActorClient) runAndCollect(ctx context.Context, input actorInput, limit int) ([]actorItem, error) {
	c.mu.RLock()
	useSync := c.syncEnabled && !c.syncFailed
	c.mu.RUnlock()
	if useSync {
		items, err := c.runSync(ctx, input, limit)
		if err == nil {
			return items, nil
		}
		var se *syncRunnerError
		if !errors.As(err, &se) || !se.shouldFallback {
			return nil, err
		}
		c.mu.Lock()
		c.syncFailed = true
		c.mu.Unlock()
	}
	return c.runPolling(ctx, input, limit)
}

// syncRunnerError marks sync-runner failures that should demote to polling.
type syncRunnerError struct {
	msg            string
	shouldFallback bool
}

func (e *syncRunnerError) Error() string { return e.msg }

// runSync uses the one-shot endpoint that blocks until the run finishes and
// returns the dataset inline.
func (c *ActorClient) runSync(ctx context.Context, input actorInput, limit int) ([]actorItem, error) {
	c.mu.RLock()
	token, actorID := c.token, c.actorID
	c.mu.RUnlock()
	u := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s&limit=%d", c.baseURL, actorID, token, limit)
	body, _ := json.Marshal(input)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil, &syncRunnerError{msg: fmt.Sprintf("actor sync endpoint unavailable (status %d)", resp.StatusCode), shouldFallback: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransientError{Err: fmt.Errorf("actor sync run status %d", resp.StatusCode)}
	}
	var items []actorItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, &syncRunnerError{msg: "actor sync run returned malformed JSON", shouldFallback: true}
	}
	return items, nil
}

// runPolling starts a run, polls it to a terminal state under the deadline,
// then reads the default dataset.
func (c *ActorClient) runPolling(ctx context.Context, input actorInput, limit int) ([]actorItem, error) {
	c.mu.RLock()
	token, actorID := c.token, c.actorID
	c.mu.RUnlock()

	var run struct {
		Data struct {
			ID               string `json:"id"`
			Status           string `json:"status"`
			DefaultDatasetID string `json:"defaultDatasetId"`
		} `json:"data"`
	}
	startURL := fmt.Sprintf("%s/acts/%s/runs?token=%s", c.baseURL, actorID, token)
	if err := c.doJSON(ctx, http.MethodPost, startURL, input, &run); err != nil {
		return nil, err
	}
	if run.Data.ID == "" {
		return nil, &TransientError{Err: fmt.Errorf("actor run response did not include an id")}
	}

	deadline := time.Now().Add(c.timeout)
	for !terminalRunStates[run.Data.Status] {
		if time.Now().After(deadline) {
			return nil, &TransientError{Err: fmt.Errorf("actor run %s did not finish before timeout", run.Data.ID)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
		pollURL := fmt.Sprintf("%s/actor-runs/%s?token=%s", c.baseURL, run.Data.ID, token)
		if err := c.doJSON(ctx, http.MethodGet, pollURL, nil, &run); err != nil {
			return nil, err
		}
	}
	if run.Data.Status != "SUCCEEDED" {
		return nil, &TransientError{Err: fmt.Errorf("actor run ended with status %s", run.Data.Status)}
	}
	if run.Data.DefaultDatasetID == "" {
		return nil, nil
	}

	itemsURL := fmt.Sprintf("%s/datasets/%s/items?token=%s&limit=%d", c.baseURL, run.Data.DefaultDatasetID, token, limit)
	var items []actorItem
	if err := c.doJSON(ctx, http.MethodGet, itemsURL, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *ActorClient) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, _ := json.Marshal(in)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &TransientError{Err: fmt.Errorf("actor api status %d", resp.StatusCode)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func normalizeActorItems(items []actorItem, opts Options) []model.NormalizedPost {
	threshold := opts.breakThreshold()
	consecutiveKnown := 0
	var posts []model.NormalizedPost
	for _, it := range items {
		id := it.externalID()
		if id == "" {
			continue
		}
		if opts.KnownIDs != nil {
			if _, known := opts.KnownIDs[id]; known {
				consecutiveKnown++
				if consecutiveKnown >= threshold {
					break
				}
				continue
			}
		}
		consecutiveKnown = 0
		posts = append(posts, it2post(it))
		if opts.Count > 0 && len(posts) >= opts.Count {
			break
		}
	}
	return posts
}

func it2post(it actorItem) model.NormalizedPost {
	ts := time.Now().UTC()
	if it.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, it.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}
	return model.NormalizedPost{
		ExternalID: it.externalID(),
		ImageURL:   it.imageURL(),
		Caption:    it.Caption,
		Timestamp:  ts,
		IsVideo:    it.Type == "Video",
	}
}

