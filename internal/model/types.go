package model

import (
	"encoding/json"
	"time"
)

// ClassificationMode controls whether new posts get the keyword classifier
// applied automatically or wait for human review.
type ClassificationMode string

const (
	ModeManual ClassificationMode = "manual"
	ModeAuto   ClassificationMode = "auto"
)

// Normalize maps free-form input to a valid mode, defaulting to auto.
func (m ClassificationMode) Normalize() ClassificationMode {
	if m == ModeManual {
		return ModeManual
	}
	return ModeAuto
}

// FetcherMode selects which fetch adapter family the monitor uses.
type FetcherMode string

const (
	FetcherAuto    FetcherMode = "auto"
	FetcherScraper FetcherMode = "scraper"
	FetcherActor   FetcherMode = "actor"
)

// Valid reports whether the mode is one of the three known selections.
func (m FetcherMode) Valid() bool {
	return m == FetcherAuto || m == FetcherScraper || m == FetcherActor
}

// ClassificationSource records where a post's label came from.
type ClassificationSource string

const (
	SourceKeyword ClassificationSource = "keyword"
	SourceManual  ClassificationSource = "manual"
	SourceAPI     ClassificationSource = "api"
)

// Club is one monitored account. Clubs are deactivated, never deleted.
type Club struct {
	ID                 int64
	Name               string
	Username           string
	Active             bool
	ClassificationMode ClassificationMode
	LastChecked        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NormalizedPost is the adapter-neutral shape both fetchers return.
type NormalizedPost struct {
	ExternalID string
	ImageURL   string
	Caption    string
	Timestamp  time.Time
	IsVideo    bool
}

// Post is one collected item, keyed by (club, external id).
type Post struct {
	ID             int64
	ClubID         int64
	ExternalID     string
	ImageURL       string
	LocalImagePath string
	Caption        string
	PostTimestamp  time.Time
	CollectedAt    time.Time
	// IsEvent stays nil until the post has been classified.
	IsEvent     *bool
	Confidence  *float64
	Source      ClassificationSource
	Processed   bool
	ReviewNotes string
}

// Classified reports whether the post carries a label.
func (p Post) Classified() bool { return p.IsEvent != nil }

// ExtractedEvent is the structured AI payload for one post (one-to-one).
type ExtractedEvent struct {
	ID         int64
	PostID     int64
	Payload    json.RawMessage
	Confidence *float64
	CreatedAt  time.Time
	Imported   bool
}

// AccountRecord is the integration shape supplied by bulk import.
type AccountRecord struct {
	Name               string
	Handle             string
	Active             bool
	ClassificationMode ClassificationMode
}

// Settings holds the operator-editable knobs the monitor reads.
type Settings struct {
	MonitoringEnabled  bool
	IntervalMinutes    int
	ClassificationMode ClassificationMode
	FetcherMode        FetcherMode
	FetchDelaySeconds  int
	ActorToken         string
	ActorID            string
	ActorResultsLimit  int
	ActorSyncEnabled   bool
	SessionUsername    string
	SessionUploadedAt  *time.Time
	AIAPIKey           string
	AutoExtract        bool
}

// ActorReady reports whether the actor adapter has enough configuration to run.
func (s Settings) ActorReady() bool { return s.ActorToken != "" && s.ActorID != "" }

// Stats are the dashboard counters.
type Stats struct {
	TotalClubs      int `json:"total_clubs"`
	ActiveClubs     int `json:"active_clubs"`
	TotalPosts      int `json:"total_posts"`
	PendingPosts    int `json:"pending_posts"`
	EventPosts      int `json:"event_posts"`
	ProcessedEvents int `json:"processed_events"`
}
