package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite database backing clubs, posts, and extracted events.
// The (club_id, external_id) uniqueness constraint lives in the schema so
// deduplication holds under retried or overlapping fetches.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS clubs (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  name TEXT NOT NULL,
	  username TEXT NOT NULL UNIQUE,
	  active INTEGER NOT NULL DEFAULT 1,
	  classification_mode TEXT NOT NULL DEFAULT 'auto',
	  last_checked INTEGER,
	  created_at INTEGER NOT NULL,
	  updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS posts (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  club_id INTEGER NOT NULL REFERENCES clubs(id) ON DELETE CASCADE,
	  external_id TEXT NOT NULL,
	  image_url TEXT,
	  local_image_path TEXT,
	  caption TEXT,
	  post_timestamp INTEGER NOT NULL,
	  collected_at INTEGER NOT NULL,
	  is_event INTEGER,
	  classification_confidence REAL,
	  classification_source TEXT,
	  processed INTEGER NOT NULL DEFAULT 0,
	  review_notes TEXT,
	  UNIQUE(club_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_posts_club_ts ON posts(club_id, post_timestamp DESC);
	CREATE TABLE IF NOT EXISTS extracted_events (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  post_id INTEGER NOT NULL UNIQUE REFERENCES posts(id) ON DELETE CASCADE,
	  event_json TEXT NOT NULL,
	  extraction_confidence REAL,
	  created_at INTEGER NOT NULL,
	  imported INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS settings (
	  id INTEGER PRIMARY KEY CHECK (id=1),
	  monitoring_enabled INTEGER NOT NULL DEFAULT 0,
	  interval_minutes INTEGER NOT NULL DEFAULT 45,
	  classification_mode TEXT NOT NULL DEFAULT 'auto',
	  fetcher_mode TEXT NOT NULL DEFAULT 'auto',
	  fetch_delay_seconds INTEGER NOT NULL DEFAULT 2,
	  actor_token TEXT,
	  actor_id TEXT,
	  actor_results_limit INTEGER NOT NULL DEFAULT 30,
	  actor_sync_enabled INTEGER NOT NULL DEFAULT 0,
	  session_username TEXT,
	  session_uploaded_at INTEGER,
	  ai_api_key TEXT,
	  auto_extract INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

// UpsertClub creates or updates a club by handle and returns the stored row.
func (d *DB) UpsertClub(ctx context.Context, rec model.AccountRecord) (model.Club, bool, error) {
	now := time.Now().UTC().Unix()
	mode := rec.ClassificationMode.Normalize()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Club{}, false, err
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM clubs WHERE username=?`, rec.Handle).Scan(&existingID)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return model.Club{}, false, err
	}
	if created {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO clubs(name, username, active, classification_mode, created_at, updated_at)
		VALUES(?,?,?,?,?,?)`,
			rec.Name, rec.Handle, boolInt(rec.Active), string(mode), now, now)
	} else {
		_, err = tx.ExecContext(ctx, `
		UPDATE clubs SET name=?, active=?, classification_mode=?, updated_at=? WHERE id=?`,
			rec.Name, boolInt(rec.Active), string(mode), now, existingID)
	}
	if err != nil {
		return model.Club{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Club{}, false, err
	}
	club, err := d.GetClubByHandle(ctx, rec.Handle)
	if err != nil {
		return model.Club{}, false, err
	}
	return club, created, nil
}

// GetClubByHandle looks a club up by its unique handle.
func (d *DB) GetClubByHandle(ctx context.Context, handle string) (model.Club, error) {
	row := d.sql.QueryRowContext(ctx, `
	SELECT id, name, username, active, classification_mode, last_checked, created_at, updated_at
	FROM clubs WHERE username=?`, handle)
	return scanClub(row)
}

// GetClub looks a club up by id.
func (d *DB) GetClub(ctx context.Context, id int64) (model.Club, error) {
	row := d.sql.QueryRowContext(ctx, `
	SELECT id, name, username, active, classification_mode, last_checked, created_at, updated_at
	FROM clubs WHERE id=?`, id)
	return scanClub(row)
}

// ListClubs returns all clubs ordered by name.
func (d *DB) ListClubs(ctx context.Context) ([]model.Club, error) {
	return d.listClubs(ctx, `SELECT id, name, username, active, classification_mode, last_checked, created_at, updated_at FROM clubs ORDER BY name, id`)
}

// ListActiveClubs returns active clubs in stable name order, the order a
// monitoring pass walks them in.
func (d *DB) ListActiveClubs(ctx context.Context) ([]model.Club, error) {
	return d.listClubs(ctx, `SELECT id, name, username, active, classification_mode, last_checked, created_at, updated_at FROM clubs WHERE active=1 ORDER BY name, id`)
}

func (d *DB) listClubs(ctx context.Context, query string) ([]model.Club, error) {
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Club
	for rows.Next() {
		c, err := scanClub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetLastChecked stamps a club after its fetch attempt completes.
func (d *DB) SetLastChecked(ctx context.Context, clubID int64, when time.Time) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE clubs SET last_checked=?, updated_at=? WHERE id=?`,
		when.UTC().Unix(), time.Now().UTC().Unix(), clubID)
	return err
}

// SetClubActive toggles a club without deleting it.
func (d *DB) SetClubActive(ctx context.Context, clubID int64, active bool) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE clubs SET active=?, updated_at=? WHERE id=?`,
		boolInt(active), time.Now().UTC().Unix(), clubID)
	return err
}

// UpsertPost stores a fetched post if it is new. A repeat call for the same
// (club, external id) is a no-op apart from backfilling empty image/caption
// fields; an already-set classification label is never touched. The optional
// classification applies only on creation, in the same statement, so a post
// and its label land atomically.
func (d *DB) UpsertPost(ctx context.Context, clubID int64, p model.NormalizedPost, cls *Classification) (model.Post, bool, error) {
	now := time.Now().UTC()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Post{}, false, err
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM posts WHERE club_id=? AND external_id=?`,
		clubID, p.ExternalID).Scan(&existingID)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return model.Post{}, false, err
	}
	if created {
		var isEvent, conf, src any
		if cls != nil {
			isEvent = boolInt(cls.IsEvent)
			conf = cls.Confidence
			src = string(cls.Source)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO posts(club_id, external_id, image_url, caption, post_timestamp, collected_at,
		                  is_event, classification_confidence, classification_source, processed)
		VALUES(?,?,?,?,?,?,?,?,?,0)`,
			clubID, p.ExternalID, p.ImageURL, p.Caption, p.Timestamp.UTC().Unix(), now.Unix(),
			isEvent, conf, src)
	} else {
		_, err = tx.ExecContext(ctx, `
		UPDATE posts SET
		  image_url=CASE WHEN image_url IS NULL OR image_url='' THEN ? ELSE image_url END,
		  caption=CASE WHEN caption IS NULL OR caption='' THEN ? ELSE caption END
		WHERE id=?`, p.ImageURL, p.Caption, existingID)
	}
	if err != nil {
		return model.Post{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Post{}, false, err
	}
	post, err := d.GetPostByExternalID(ctx, clubID, p.ExternalID)
	if err != nil {
		return model.Post{}, false, err
	}
	return post, created, nil
}

// Classification carries an initial label for a freshly created post.
type Classification struct {
	IsEvent    bool
	Confidence float64
	Source     model.ClassificationSource
}

// GetPostByExternalID fetches a post by its dedup key.
func (d *DB) GetPostByExternalID(ctx context.Context, clubID int64, externalID string) (model.Post, error) {
	row := d.sql.QueryRowContext(ctx, postSelect+` WHERE club_id=? AND external_id=?`, clubID, externalID)
	return scanPost(row)
}

// GetPost fetches a post by id.
func (d *DB) GetPost(ctx context.Context, id int64) (model.Post, error) {
	row := d.sql.QueryRowContext(ctx, postSelect+` WHERE id=?`, id)
	return scanPost(row)
}

// PostFilter narrows ListPosts.
type PostFilter string

const (
	FilterAll       PostFilter = ""
	FilterPending   PostFilter = "pending"
	FilterEvents    PostFilter = "events"
	FilterNonEvents PostFilter = "non_events"
)

// ListPosts returns posts newest-first, optionally filtered by label state.
func (d *DB) ListPosts(ctx context.Context, filter PostFilter, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 200
	}
	q := postSelect
	switch filter {
	case FilterPending:
		q += ` WHERE is_event IS NULL`
	case FilterEvents:
		q += ` WHERE is_event=1`
	case FilterNonEvents:
		q += ` WHERE is_event=0`
	}
	q += ` ORDER BY post_timestamp DESC LIMIT ?`
	rows, err := d.sql.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentPostIDs returns the most recent external ids stored for a club.
// The monitor uses the set to stop paging once it hits known territory.
func (d *DB) RecentPostIDs(ctx context.Context, clubID int64, limit int) (map[string]struct{}, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx,
		`SELECT external_id FROM posts WHERE club_id=? ORDER BY post_timestamp DESC LIMIT ?`, clubID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ClassifyPost overwrites a post's label fields.
func (d *DB) ClassifyPost(ctx context.Context, postID int64, isEvent bool, confidence float64, source model.ClassificationSource, notes string) error {
	res, err := d.sql.ExecContext(ctx, `
	UPDATE posts SET is_event=?, classification_confidence=?, classification_source=?, review_notes=?
	WHERE id=?`, boolInt(isEvent), confidence, string(source), notes, postID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetLocalImagePath records the cached image filename for a post.
func (d *DB) SetLocalImagePath(ctx context.Context, postID int64, filename string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE posts SET local_image_path=? WHERE id=?`, filename, postID)
	return err
}

// SaveExtractedEvent stores the AI payload for a post and marks it processed
// in one transaction. With overwrite=false an existing event is returned
// untouched and the bool result is false.
func (d *DB) SaveExtractedEvent(ctx context.Context, postID int64, payload json.RawMessage, confidence *float64, overwrite bool) (model.ExtractedEvent, bool, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.ExtractedEvent{}, false, err
	}
	defer tx.Rollback()

	existing, err := getExtractedEventTx(ctx, tx, postID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return model.ExtractedEvent{}, false, err
	}
	if err == nil && !overwrite {
		return existing, false, nil
	}

	now := time.Now().UTC().Unix()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO extracted_events(post_id, event_json, extraction_confidence, created_at)
	VALUES(?,?,?,?)
	ON CONFLICT(post_id) DO UPDATE SET
	  event_json=excluded.event_json,
	  extraction_confidence=excluded.extraction_confidence,
	  created_at=excluded.created_at,
	  imported=0`,
		postID, string(payload), confidence, now)
	if err != nil {
		return model.ExtractedEvent{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET processed=1 WHERE id=?`, postID); err != nil {
		return model.ExtractedEvent{}, false, err
	}
	saved, err := getExtractedEventTx(ctx, tx, postID)
	if err != nil {
		return model.ExtractedEvent{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.ExtractedEvent{}, false, err
	}
	return saved, true, nil
}

// GetExtractedEvent returns the event payload stored for a post, if any.
func (d *DB) GetExtractedEvent(ctx context.Context, postID int64) (model.ExtractedEvent, error) {
	return getExtractedEvent(ctx, d.sql, postID)
}

// MarkEventImported flips the downstream-import flag.
func (d *DB) MarkEventImported(ctx context.Context, postID int64, imported bool) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE extracted_events SET imported=? WHERE post_id=?`, boolInt(imported), postID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeletePost removes a post; the extracted event goes with it via the
// ON DELETE CASCADE constraint. The only destructive operation in the store.
func (d *DB) DeletePost(ctx context.Context, postID int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, postID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Stats returns the dashboard counters.
func (d *DB) Stats(ctx context.Context) (model.Stats, error) {
	var s model.Stats
	row := d.sql.QueryRowContext(ctx, `
	SELECT
	  (SELECT COUNT(*) FROM clubs),
	  (SELECT COUNT(*) FROM clubs WHERE active=1),
	  (SELECT COUNT(*) FROM posts),
	  (SELECT COUNT(*) FROM posts WHERE is_event IS NULL),
	  (SELECT COUNT(*) FROM posts WHERE is_event=1),
	  (SELECT COUNT(*) FROM extracted_events)`)
	if err := row.Scan(&s.TotalClubs, &s.ActiveClubs, &s.TotalPosts, &s.PendingPosts, &s.EventPosts, &s.ProcessedEvents); err != nil {
		return s, err
	}
	return s, nil
}

// Settings loads the single settings row, seeding it with defaults first if
// missing.
func (d *DB) Settings(ctx context.Context, defaults model.Settings) (model.Settings, error) {
	_, err := d.sql.ExecContext(ctx, `
	INSERT INTO settings(id, monitoring_enabled, interval_minutes, classification_mode, fetcher_mode,
	                     fetch_delay_seconds, actor_results_limit, auto_extract)
	VALUES(1,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO NOTHING`,
		boolInt(defaults.MonitoringEnabled),
		orInt(defaults.IntervalMinutes, 45),
		string(defaults.ClassificationMode.Normalize()),
		string(defaultFetcher(defaults.FetcherMode)),
		defaults.FetchDelaySeconds,
		orInt(defaults.ActorResultsLimit, 30),
		boolInt(defaults.AutoExtract))
	if err != nil {
		return model.Settings{}, err
	}
	row := d.sql.QueryRowContext(ctx, `
	SELECT monitoring_enabled, interval_minutes, classification_mode, fetcher_mode, fetch_delay_seconds,
	       COALESCE(actor_token,''), COALESCE(actor_id,''), actor_results_limit, actor_sync_enabled,
	       COALESCE(session_username,''), session_uploaded_at, COALESCE(ai_api_key,''), auto_extract
	FROM settings WHERE id=1`)
	var s model.Settings
	var enabled, syncEnabled, autoExtract int
	var mode, fetcher string
	var uploadedAt sql.NullInt64
	if err := row.Scan(&enabled, &s.IntervalMinutes, &mode, &fetcher, &s.FetchDelaySeconds,
		&s.ActorToken, &s.ActorID, &s.ActorResultsLimit, &syncEnabled,
		&s.SessionUsername, &uploadedAt, &s.AIAPIKey, &autoExtract); err != nil {
		return s, err
	}
	s.MonitoringEnabled = enabled != 0
	s.ClassificationMode = model.ClassificationMode(mode)
	s.FetcherMode = model.FetcherMode(fetcher)
	s.ActorSyncEnabled = syncEnabled != 0
	s.AutoExtract = autoExtract != 0
	if uploadedAt.Valid {
		t := time.Unix(uploadedAt.Int64, 0).UTC()
		s.SessionUploadedAt = &t
	}
	return s, nil
}

// SaveSettings persists the full settings row.
func (d *DB) SaveSettings(ctx context.Context, s model.Settings) error {
	var uploadedAt any
	if s.SessionUploadedAt != nil {
		uploadedAt = s.SessionUploadedAt.UTC().Unix()
	}
	if !s.FetcherMode.Valid() {
		return fmt.Errorf("store: invalid fetcher mode %q", s.FetcherMode)
	}
	_, err := d.sql.ExecContext(ctx, `
	UPDATE settings SET
	  monitoring_enabled=?, interval_minutes=?, classification_mode=?, fetcher_mode=?,
	  fetch_delay_seconds=?, actor_token=?, actor_id=?, actor_results_limit=?, actor_sync_enabled=?,
	  session_username=?, session_uploaded_at=?, ai_api_key=?, auto_extract=?
	WHERE id=1`,
		boolInt(s.MonitoringEnabled), s.IntervalMinutes, string(s.ClassificationMode.Normalize()),
		string(s.FetcherMode), s.FetchDelaySeconds, s.ActorToken, s.ActorID,
		s.ActorResultsLimit, boolInt(s.ActorSyncEnabled), s.SessionUsername, uploadedAt,
		s.AIAPIKey, boolInt(s.AutoExtract))
	return err
}

const postSelect = `
	SELECT id, club_id, external_id, COALESCE(image_url,''), COALESCE(local_image_path,''),
	       COALESCE(caption,''), post_timestamp, collected_at, is_event,
	       classification_confidence, COALESCE(classification_source,''), processed,
	       COALESCE(review_notes,'')
	FROM posts`

type rowScanner interface{ Scan(dest ...any) error }

func scanClub(r rowScanner) (model.Club, error) {
	var c model.Club
	var active int
	var mode string
	var lastChecked sql.NullInt64
	var createdAt, updatedAt int64
	err := r.Scan(&c.ID, &c.Name, &c.Username, &active, &mode, &lastChecked, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Active = active != 0
	c.ClassificationMode = model.ClassificationMode(mode)
	if lastChecked.Valid {
		t := time.Unix(lastChecked.Int64, 0).UTC()
		c.LastChecked = &t
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

func scanPost(r rowScanner) (model.Post, error) {
	var p model.Post
	var postTS, collectedAt int64
	var isEvent sql.NullInt64
	var confidence sql.NullFloat64
	var source string
	var processed int
	err := r.Scan(&p.ID, &p.ClubID, &p.ExternalID, &p.ImageURL, &p.LocalImagePath,
		&p.Caption, &postTS, &collectedAt, &isEvent, &confidence, &source, &processed, &p.ReviewNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.PostTimestamp = time.Unix(postTS, 0).UTC()
	p.CollectedAt = time.Unix(collectedAt, 0).UTC()
	if isEvent.Valid {
		v := isEvent.Int64 != 0
		p.IsEvent = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		p.Confidence = &v
	}
	p.Source = model.ClassificationSource(source)
	p.Processed = processed != 0
	return p, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getExtractedEvent(ctx context.Context, q queryer, postID int64) (model.ExtractedEvent, error) {
	row := q.QueryRowContext(ctx, `
	SELECT id, post_id, event_json, extraction_confidence, created_at, imported
	FROM extracted_events WHERE post_id=?`, postID)
	return scanEvent(row)
}

func getExtractedEventTx(ctx context.Context, tx *sql.Tx, postID int64) (model.ExtractedEvent, error) {
	return getExtractedEvent(ctx, tx, postID)
}

func scanEvent(r rowScanner) (model.ExtractedEvent, error) {
	var e model.ExtractedEvent
	var payload string
	var confidence sql.NullFloat64
	var createdAt int64
	var imported int
	err := r.Scan(&e.ID, &e.PostID, &payload, &confidence, &createdAt, &imported)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Payload = json.RawMessage(payload)
	if confidence.Valid {
		v := confidence.Float64
		e.Confidence = &v
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.Imported = imported != 0
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func defaultFetcher(m model.FetcherMode) model.FetcherMode {
	if m.Valid() {
		return m
	}
	return model.FetcherAuto
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
