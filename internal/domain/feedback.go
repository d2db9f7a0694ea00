package domain

import (
	"context"
	"time"
)

// FeedbackEntry is one user feedback submission, stored as a single JSON line.
type FeedbackEntry struct {
	ID             string    `json:"id,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
	Message        string    `json:"message"`
	Rating         int       `json:"rating"`
	FeatureRequest string    `json:"feature_request"`
	Tags           []string  `json:"tags"`
}

// FeedbackRequest is the body accepted by the feedback endpoint. It has no
// id or timestamp: those are assigned by the server, and whatever a client
// sends for them is ignored without being parsed.
type FeedbackRequest struct {
	Message        string   `json:"message"`
	Rating         int      `json:"rating"`
	FeatureRequest string   `json:"feature_request"`
	Tags           []string `json:"tags"`
}

// Entry converts the request into an entry awaiting its ID and timestamp.
func (r FeedbackRequest) Entry() FeedbackEntry {
	return FeedbackEntry{
		Message:        r.Message,
		Rating:         r.Rating,
		FeatureRequest: r.FeatureRequest,
		Tags:           r.Tags,
	}
}

// FeedbackRecorder persists feedback entries. Record returns the entry as
// written, including any ID or timestamp it assigned.
type FeedbackRecorder interface {
	Record(ctx context.Context, entry FeedbackEntry) (FeedbackEntry, error)
}
