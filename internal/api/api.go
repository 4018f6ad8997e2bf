// Package api exposes the operator surface over HTTP: monitor control,
// post review, extraction, settings, and account management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/extract"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/fetch"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/importer"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/monitor"
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/store"
)

// Server bundles the handler dependencies.
type Server struct {
	db      *store.DB
	svc     *monitor.Service
	coord   *extract.Coordinator
	scraper *fetch.ScraperClient

	// apply pushes saved settings into the live adapters.
	apply func(model.Settings)

	defaults model.Settings
}

// New builds the API server. coord may be nil when extraction is not wired.
func New(db *store.DB, svc *monitor.Service, coord *extract.Coordinator, scraper *fetch.ScraperClient, defaults model.Settings, apply func(model.Settings)) *Server {
	return &Server{db: db, svc: svc, coord: coord, scraper: scraper, defaults: defaults, apply: apply}
}

// Router wires all routes onto a fresh engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.GET("/monitor/status", s.monitorStatus)
	r.POST("/monitor/start", s.monitorStart)
	r.POST("/monitor/stop", s.monitorStop)
	r.POST("/monitor/run", s.monitorRun)
	r.POST("/monitor/run/stream", s.monitorRunStream)

	r.GET("/stats", s.stats)
	r.GET("/posts", s.listPosts)
	r.POST("/posts/:id/classify", s.classifyPost)
	r.POST("/posts/:id/extract", s.extractPost)
	r.POST("/posts/:id/event/imported", s.markEventImported)
	r.DELETE("/posts/:id", s.deletePost)

	r.GET("/accounts", s.listAccounts)
	r.POST("/accounts", s.upsertAccount)
	r.POST("/accounts/import", s.importAccounts)

	r.GET("/settings", s.getSettings)
	r.PATCH("/settings", s.patchSettings)
	r.POST("/settings/session", s.uploadSession)
	r.DELETE("/settings/session", s.clearSession)
	r.POST("/settings/actor/token", s.setActorToken)
	r.DELETE("/settings/actor/token", s.clearActorToken)

	return r
}

func (s *Server) monitorStatus(c *gin.Context) {
	st, err := s.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) monitorStart(c *gin.Context) {
	var body struct {
		IntervalMinutes int `json:"interval_minutes"`
	}
	_ = c.ShouldBindJSON(&body)

	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if body.IntervalMinutes > 0 {
		settings.IntervalMinutes = body.IntervalMinutes
	}
	settings.MonitoringEnabled = true
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	if err := s.svc.Start(settings.IntervalMinutes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "interval_minutes": settings.IntervalMinutes})
}

func (s *Server) monitorStop(c *gin.Context) {
	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	settings.MonitoringEnabled = false
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	s.svc.Stop()
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

type runRequest struct {
	Count   int      `json:"count"`
	Handles []string `json:"handles"`
}

func (s *Server) monitorRun(c *gin.Context) {
	var body runRequest
	_ = c.ShouldBindJSON(&body)
	res, err := s.svc.RunOnce(c.Request.Context(), monitor.Options{Count: body.Count, Handles: body.Handles})
	if errors.Is(err, monitor.ErrPassInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pass is already in flight"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// monitorRunStream streams pass progress as server-sent events. The pass
// keeps running even if the client goes away.
func (s *Server) monitorRunStream(c *gin.Context) {
	var body runRequest
	_ = c.ShouldBindJSON(&body)
	// deliberately not the request context: a dropped client must not
	// cancel the in-flight pass
	events, err := s.svc.RunStream(context.WithoutCancel(c.Request.Context()), monitor.Options{Count: body.Count, Handles: body.Handles})
	if errors.Is(err, monitor.ErrPassInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pass is already in flight"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := c.Writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			// client gone; keep draining so the pass goroutine can finish
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.db.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listPosts(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	posts, err := s.db.ListPosts(c.Request.Context(), store.PostFilter(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(posts))
	for _, p := range posts {
		out = append(out, postJSON(p))
	}
	c.JSON(http.StatusOK, gin.H{"posts": out, "count": len(out)})
}

func postJSON(p model.Post) gin.H {
	h := gin.H{
		"id":             p.ID,
		"club_id":        p.ClubID,
		"external_id":    p.ExternalID,
		"image_url":      p.ImageURL,
		"caption":        p.Caption,
		"post_timestamp": p.PostTimestamp.UTC().Format(time.RFC3339),
		"collected_at":   p.CollectedAt.UTC().Format(time.RFC3339),
		"is_event":       p.IsEvent,
		"confidence":     p.Confidence,
		"source":         p.Source,
		"processed":      p.Processed,
		"review_notes":   p.ReviewNotes,
	}
	return h
}

func (s *Server) postID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id"})
		return 0, false
	}
	return id, true
}

func (s *Server) classifyPost(c *gin.Context) {
	id, ok := s.postID(c)
	if !ok {
		return
	}
	var body struct {
		IsEvent    *bool    `json:"is_event"`
		Confidence *float64 `json:"confidence"`
		Notes      string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.IsEvent == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "is_event is required"})
		return
	}
	conf := 1.0
	if body.Confidence != nil {
		conf = *body.Confidence
	}
	if err := s.svc.ClassifyManual(c.Request.Context(), id, *body.IsEvent, conf, body.Notes); err != nil {
		s.storeError(c, err)
		return
	}
	post, err := s.db.GetPost(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, postJSON(post))
}

func (s *Server) extractPost(c *gin.Context) {
	if s.coord == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "extraction is not configured"})
		return
	}
	id, ok := s.postID(c)
	if !ok {
		return
	}
	var body struct {
		Overwrite bool `json:"overwrite"`
	}
	_ = c.ShouldBindJSON(&body)

	ctx := c.Request.Context()
	post, err := s.db.GetPost(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	event, err := s.coord.Extract(ctx, post, body.Overwrite)
	switch {
	case errors.Is(err, extract.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ai api key configured"})
	case errors.Is(err, extract.ErrFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"post_id":    event.PostID,
			"payload":    json.RawMessage(event.Payload),
			"confidence": event.Confidence,
			"imported":   event.Imported,
		})
	}
}

// markEventImported records that a downstream system picked the event up.
func (s *Server) markEventImported(c *gin.Context) {
	id, ok := s.postID(c)
	if !ok {
		return
	}
	body := struct {
		Imported *bool `json:"imported"`
	}{}
	_ = c.ShouldBindJSON(&body)
	imported := true
	if body.Imported != nil {
		imported = *body.Imported
	}
	if err := s.db.MarkEventImported(c.Request.Context(), id, imported); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": id, "imported": imported})
}

func (s *Server) deletePost(c *gin.Context) {
	id, ok := s.postID(c)
	if !ok {
		return
	}
	if err := s.db.DeletePost(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) listAccounts(c *gin.Context) {
	clubs, err := s.db.ListClubs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(clubs))
	for _, club := range clubs {
		out = append(out, gin.H{
			"id":                  club.ID,
			"name":                club.Name,
			"username":            club.Username,
			"active":              club.Active,
			"classification_mode": club.ClassificationMode,
			"last_checked":        club.LastChecked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "count": len(out)})
}

func (s *Server) upsertAccount(c *gin.Context) {
	var body struct {
		Name               string `json:"name"`
		Handle             string `json:"handle"`
		Active             *bool  `json:"active"`
		ClassificationMode string `json:"classification_mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Handle) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "handle is required"})
		return
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}
	res, err := importer.ImportRecords(c.Request.Context(), s.db, []model.AccountRecord{{
		Name:               body.Name,
		Handle:             body.Handle,
		Active:             active,
		ClassificationMode: model.ClassificationMode(body.ClassificationMode),
	}})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(res.Errors) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Errors[0]})
		return
	}
	c.JSON(http.StatusOK, res)
}

// importAccounts accepts CSV either as a multipart "file" field or as the
// raw request body.
func (s *Server) importAccounts(c *gin.Context) {
	var reader io.Reader
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()
		reader = f
	} else {
		reader = c.Request.Body
	}
	res, err := importer.ImportCSV(c.Request.Context(), s.db, reader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// settingsJSON redacts credentials down to presence flags.
func settingsJSON(st model.Settings) gin.H {
	return gin.H{
		"monitoring_enabled":  st.MonitoringEnabled,
		"interval_minutes":    st.IntervalMinutes,
		"classification_mode": st.ClassificationMode,
		"fetcher_mode":        st.FetcherMode,
		"fetch_delay_seconds": st.FetchDelaySeconds,
		"has_actor_token":     st.ActorToken != "",
		"actor_id":            st.ActorID,
		"actor_sync_enabled":  st.ActorSyncEnabled,
		"session_username":    st.SessionUsername,
		"session_uploaded_at": st.SessionUploadedAt,
		"has_ai_key":          st.AIAPIKey != "",
		"auto_extract":        st.AutoExtract,
	}
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.db.Settings(c.Request.Context(), s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settingsJSON(settings))
}

func (s *Server) patchSettings(c *gin.Context) {
	var body struct {
		MonitoringEnabled  *bool   `json:"monitoring_enabled"`
		IntervalMinutes    *int    `json:"interval_minutes"`
		ClassificationMode *string `json:"classification_mode"`
		FetcherMode        *string `json:"fetcher_mode"`
		FetchDelaySeconds  *int    `json:"fetch_delay_seconds"`
		ActorSyncEnabled   *bool   `json:"actor_sync_enabled"`
		AIAPIKey           *string `json:"ai_api_key"`
		AutoExtract        *bool   `json:"auto_extract"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if body.MonitoringEnabled != nil {
		settings.MonitoringEnabled = *body.MonitoringEnabled
	}
	if body.IntervalMinutes != nil {
		if *body.IntervalMinutes < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval must be at least one minute"})
			return
		}
		settings.IntervalMinutes = *body.IntervalMinutes
	}
	if body.ClassificationMode != nil {
		settings.ClassificationMode = model.ClassificationMode(*body.ClassificationMode).Normalize()
	}
	if body.FetcherMode != nil {
		mode := model.FetcherMode(*body.FetcherMode)
		if !mode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fetcher_mode must be auto, scraper, or actor"})
			return
		}
		settings.FetcherMode = mode
	}
	if body.FetchDelaySeconds != nil {
		settings.FetchDelaySeconds = *body.FetchDelaySeconds
	}
	if body.ActorSyncEnabled != nil {
		settings.ActorSyncEnabled = *body.ActorSyncEnabled
	}
	if body.AIAPIKey != nil {
		settings.AIAPIKey = strings.TrimSpace(*body.AIAPIKey)
	}
	if body.AutoExtract != nil {
		settings.AutoExtract = *body.AutoExtract
	}
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	if body.IntervalMinutes != nil {
		if err := s.svc.Reschedule(settings.IntervalMinutes); err != nil {
			logging.Warn("reschedule failed", logging.Fields{"error": err.Error()})
		}
	}
	c.JSON(http.StatusOK, settingsJSON(settings))
}

func (s *Server) uploadSession(c *gin.Context) {
	var body struct {
		Cookies  string `json:"cookies"`
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Cookies) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cookies is required"})
		return
	}
	cookies := fetch.ParseCookieInput(body.Cookies)
	if len(cookies) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable session cookies found"})
		return
	}
	s.scraper.SetSession(cookies)
	// a fresh session deserves a fresh shot at the scraper
	s.svc.Backoff().Clear()

	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().UTC()
	settings.SessionUsername = body.Username
	settings.SessionUploadedAt = &now
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": true, "username": body.Username})
}

func (s *Server) clearSession(c *gin.Context) {
	s.scraper.SetSession(nil)
	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	settings.SessionUsername = ""
	settings.SessionUploadedAt = nil
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": false})
}

func (s *Server) setActorToken(c *gin.Context) {
	var body struct {
		Token   string `json:"token"`
		ActorID string `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	settings.ActorToken = strings.TrimSpace(body.Token)
	if body.ActorID != "" {
		settings.ActorID = strings.TrimSpace(body.ActorID)
	}
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_actor_token": true, "actor_id": settings.ActorID})
}

func (s *Server) clearActorToken(c *gin.Context) {
	ctx := c.Request.Context()
	settings, err := s.db.Settings(ctx, s.defaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	settings.ActorToken = ""
	if err := s.saveSettings(c, settings); err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_actor_token": false})
}

// saveSettings persists and applies settings, writing the error response on
// failure.
func (s *Server) saveSettings(c *gin.Context, settings model.Settings) error {
	if err := s.db.SaveSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return err
	}
	if s.apply != nil {
		s.apply(settings)
	}
	return nil
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
