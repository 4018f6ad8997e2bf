// Package extract turns event poster images into structured JSON via a
// vision model, persisting the result against the source post.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/images"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/metrics"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
)

var (
	// ErrUnavailable means extraction cannot run at all (no API key). Not
	// worth retrying until configuration changes.
	ErrUnavailable = errors.New("extract: no api key configured")
	// ErrFailed wraps per-call failures: API errors, unparseable output,
	// missing images. The next attempt may succeed.
	ErrFailed = errors.New("extract: extraction failed")
)

// extractor is the model-call seam so the coordinator can be tested without
// a live endpoint.
type extractor interface {
	Ready() bool
	ExtractEventJSON(ctx context.Context, image []byte, mimeType, caption string, postedAt time.Time) (json.RawMessage, error)
}

// Coordinator runs extraction end to end: locate the image, call the model,
// store the payload, mark the post processed.
type Coordinator struct {
	db     *store.DB
	cache  *images.Cache
	client extractor
}

// NewCoordinator wires the store, the image cache, and the model client.
func NewCoordinator(db *store.DB, cache *images.Cache, client *Client) *Coordinator {
	return &Coordinator{db: db, cache: cache, client: client}
}

// Ready reports whether extraction can run.
func (c *Coordinator) Ready() bool { return c.client.Ready() }

// Extract processes one post. With overwrite false an already-extracted post
// is a no-op returning the stored event; with overwrite true the payload is
// replaced. On success the post is marked processed in the same transaction
// that stores the event.
func (c *Coordinator) Extract(ctx context.Context, post model.Post, overwrite bool) (model.ExtractedEvent, error) {
	if !c.client.Ready() {
		return model.ExtractedEvent{}, ErrUnavailable
	}
	if !overwrite {
		if existing, err := c.db.GetExtractedEvent(ctx, post.ID); err == nil {
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return model.ExtractedEvent{}, err
		}
	}

	data, mime, err := c.loadImage(ctx, &post)
	if err != nil {
		metrics.Extractions.WithLabelValues("failed").Inc()
		return model.ExtractedEvent{}, err
	}

	payload, err := c.client.ExtractEventJSON(ctx, data, mime, post.Caption, post.PostTimestamp)
	if err != nil {
		metrics.Extractions.WithLabelValues("failed").Inc()
		return model.ExtractedEvent{}, err
	}

	event, _, err := c.db.SaveExtractedEvent(ctx, post.ID, payload, overallConfidence(payload), overwrite)
	if err != nil {
		return model.ExtractedEvent{}, err
	}
	metrics.Extractions.WithLabelValues("ok").Inc()
	logging.Info("event extracted", logging.Fields{
		"post_id":   post.ID,
		"overwrite": overwrite,
	})
	return event, nil
}

// AutoExtract is the best-effort path run after auto-classification: it
// swallows failures (logging them) and reports whether an event was stored.
func (c *Coordinator) AutoExtract(ctx context.Context, post model.Post) bool {
	if !c.client.Ready() {
		return false
	}
	if _, err := c.Extract(ctx, post, false); err != nil {
		logging.Warn("auto extraction failed", logging.Fields{
			"post_id": post.ID,
			"error":   err.Error(),
		})
		return false
	}
	return true
}

// loadImage returns the post's image bytes, preferring the local cache copy
// and downloading (and recording the cache path) on a miss.
func (c *Coordinator) loadImage(ctx context.Context, post *model.Post) ([]byte, string, error) {
	if post.LocalImagePath != "" {
		if data, mime, err := images.Load(post.LocalImagePath); err == nil {
			return data, mime, nil
		}
		// stale path, fall through to a fresh download
	}
	if post.ImageURL == "" {
		return nil, "", fmt.Errorf("%w: post has no accessible image", ErrFailed)
	}
	path, err := c.cache.Ensure(ctx, post.ImageURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if path != post.LocalImagePath {
		if err := c.db.SetLocalImagePath(ctx, post.ID, path); err != nil {
			logging.Warn("could not record image path", logging.Fields{
				"post_id": post.ID,
				"error":   err.Error(),
			})
		}
		post.LocalImagePath = path
	}
	data, mime, err := images.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return data, mime, nil
}
