// Package classify labels captions as likely event announcements.
//
// The keyword scorer is a coarse, explainable baseline. Anything that can
// produce a (label, confidence) pair from a caption satisfies Classifier,
// so a trained model can replace it without touching callers.
package classify

import (
	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/util"
)

// Classifier produces a label and confidence for a caption.
type Classifier interface {
	Classify(caption string) (bool, float64)
}

// KeywordClassifier scores captions by case-insensitive substring matches
// over two fixed vocabularies.
type KeywordClassifier struct {
	eventKeywords  []string
	posterKeywords []string
}

// NewKeywordClassifier returns the default keyword scorer.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		eventKeywords: []string{
			"event", "concert", "festival", "workshop", "seminar", "conference",
			"party", "celebration", "fundraiser", "gala", "show", "performance",
			"exhibition", "market", "fair", "competition", "tournament", "meetup",
			"open mic", "screening", "rehearsal", "tour",
			"january", "february", "march", "april", "june", "july",
			"august", "september", "october", "november", "december",
		},
		posterKeywords: []string{
			"poster", "flyer", "announcement", "coming soon", "presenting",
			"featuring", "live music", "join us", "food trucks", "family friendly",
			"all ages", "free admission", "ticket", "rsvp", "register",
			"save the date", "doors open", "starts at", "tonight", "pm",
		},
	}
}

// Classify scores the caption. One match is enough for a positive label;
// three or more push confidence past the auto-extract threshold.
func (c *KeywordClassifier) Classify(caption string) (bool, float64) {
	if caption == "" {
		return false, 0.0
	}
	score := util.CountMatches(caption, c.eventKeywords) + util.CountMatches(caption, c.posterKeywords)
	switch {
	case score >= 3:
		conf := 0.5 + 0.1*float64(score)
		if conf > 0.9 {
			conf = 0.9
		}
		return true, conf
	case score >= 1:
		return true, 0.3 + 0.1*float64(score)
	default:
		return false, 0.1
	}
}
