package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/util"
)

const (
	defaultScraperBase = "https://www.instagram.com"
	scraperUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	scraperAppID       = "936619743392459"
)

// throttleSignatures are the host phrases that mean "back off", distinct
// from ordinary errors.
var throttleSignatures = []string{
	"please wait a few minutes",
	"too many requests",
}

// ScraperClient fetches a profile's media feed over the public web API.
// Without a session cookie only public profiles work and blocks come
// quickly; an uploaded session payload is attached to every request.
type ScraperClient struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	baseBackoff time.Duration
	maxAttempts int

	mu      sync.RWMutex
	cookies map[string]string
}

// NewScraperClient builds the web client with the given request budget.
func NewScraperClient(rps float64, burst int) *ScraperClient {
	if rps <= 0 {
		rps = 0.5
	}
	if burst <= 0 {
		burst = 3
	}
	return &ScraperClient{
		baseURL:     defaultScraperBase,
		httpClient:  &http.Client{Timeout: 20 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		baseBackoff: 500 * time.Millisecond,
		maxAttempts: 3,
	}
}

func (c *ScraperClient) Name() string { return "scraper" }

// Ready is always true: the scraper works unauthenticated, just less reliably.
func (c *ScraperClient) Ready() bool { return true }

// SetSession attaches parsed session cookies to subsequent requests.
// An empty map reverts to unauthenticated access.
func (c *ScraperClient) SetSession(cookies map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(cookies) == 0 {
		c.cookies = nil
		return
	}
	c.cookies = cookies
}

// HasSession reports whether a session payload is attached.
func (c *ScraperClient) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cookies) > 0
}

// ParseCookieInput accepts a JSON object, a semicolon/newline cookie string,
// or a bare session id, and returns the cookie map. Only known session keys
// survive.
func ParseCookieInput(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}
	}
	allowed := map[string]struct{}{
		"sessionid": {}, "ds_user_id": {}, "csrftoken": {}, "mid": {},
		"ig_did": {}, "shbid": {}, "shbts": {}, "rur": {}, "urlgen": {},
	}
	out := map[string]string{}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		for k, v := range parsed {
			if s, ok := v.(string); ok {
				if _, ok := allowed[k]; ok {
					out[k] = s
				}
			}
		}
		return out
	}
	cleaned := strings.ReplaceAll(raw, "\n", ";")
	for _, segment := range strings.Split(cleaned, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" || !strings.Contains(segment, "=") {
			continue
		}
		kv := strings.SplitN(segment, "=", 2)
		key := strings.TrimSpace(kv[0])
		if _, ok := allowed[key]; ok {
			out[key] = strings.TrimSpace(kv[1])
		}
	}
	if len(out) == 0 {
		out["sessionid"] = raw
	}
	return out
}

func (c *ScraperClient) prepare(req *http.Request) {
	req.Header.Set("User-Agent", scraperUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-IG-App-ID", scraperAppID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.cookies) > 0 {
		pairs := make([]string, 0, len(c.cookies))
		for k, v := range c.cookies {
			pairs = append(pairs, k+"="+v)
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
}

// Fetch returns the newest posts for a handle, stopping early on the
// consecutive-known threshold or the since bound.
func (c *ScraperClient) Fetch(ctx context.Context, handle string, opts Options) ([]model.NormalizedPost, error) {
	metrics.FetcherCalls.WithLabelValues(c.Name()).Inc()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/api/v1/users/web_profile_info/?username=%s", c.baseURL, url.QueryEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.prepare(req)
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RateLimitHits.Inc()
		return nil, ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		return nil, &TransientError{Err: fmt.Errorf("scraper status %d for %s", resp.StatusCode, handle)}
	}

	var raw struct {
		Data struct {
			User struct {
				Media struct {
					Edges []struct {
						Node struct {
							Shortcode  string `json:"shortcode"`
							DisplayURL string `json:"display_url"`
							IsVideo    bool   `json:"is_video"`
							TakenAt    int64  `json:"taken_at_timestamp"`
							Caption    struct {
								Edges []struct {
									Node struct {
										Text string `json:"text"`
									} `json:"node"`
								} `json:"edges"`
							} `json:"edge_media_to_caption"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"edge_owner_to_timeline_media"`
			} `json:"user"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &TransientError{Err: err}
	}
	if isThrottleMessage(raw.Message) {
		metrics.RateLimitHits.Inc()
		return nil, ErrRateLimited
	}

	threshold := opts.breakThreshold()
	consecutiveKnown := 0
	var posts []model.NormalizedPost
	for _, edge := range raw.Data.User.Media.Edges {
		node := edge.Node
		if node.Shortcode == "" {
			continue
		}
		ts := time.Unix(node.TakenAt, 0).UTC()
		if !opts.Since.IsZero() && ts.Before(opts.Since) {
			break
		}
		if opts.Count > 0 && len(posts) >= opts.Count {
			break
		}
		if opts.KnownIDs != nil {
			if _, known := opts.KnownIDs[node.Shortcode]; known {
				consecutiveKnown++
				if consecutiveKnown >= threshold {
					break
				}
				continue
			}
		}
		consecutiveKnown = 0
		caption := ""
		if len(node.Caption.Edges) > 0 {
			caption = node.Caption.Edges[0].Node.Text
		}
		posts = append(posts, model.NormalizedPost{
			ExternalID: node.Shortcode,
			ImageURL:   node.DisplayURL,
			Caption:    caption,
			Timestamp:  ts,
			IsVideo:    node.IsVideo,
		})
	}
	return posts, nil
}

// doWithRetry retries transport failures and 5xx responses with exponential
// backoff and +/-20% jitter. A Retry-After header bounds the wait when the
// host provides one. 429 is returned as-is: that signal feeds the backoff
// tracker instead of being burned on in-call retries.
func (c *ScraperClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxAttempts {
				wait := backoff
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				_ = resp.Body.Close()
				if jitter := time.Duration(float64(wait) * 0.2); jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

func isThrottleMessage(msg string) bool {
	return msg != "" && util.ContainsAnyCaseInsensitive(msg, throttleSignatures)
}
