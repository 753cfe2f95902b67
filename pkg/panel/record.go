// Package panel holds the records, change events and error taxonomy shared by
// the reconciliation core, the stores and the viewer hub.
package panel

import (
	"strings"
	"time"
)

const (
	CollectionQuestions = "questions"
	CollectionPolls     = "polls"
	CollectionPollVotes = "poll_votes"
)

// KnownCollection reports whether name is one of the collections the stores persist.
func KnownCollection(name string) bool {
	switch name {
	case CollectionQuestions, CollectionPolls, CollectionPollVotes:
		return true
	}
	return false
}

// PollOption is one declared answer of a poll. Declaration order is the display order.
type PollOption struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// Record is the unit reconciled by the engine. Only the payload fields relevant to the
// record's collection are populated.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// questions
	Content    string `json:"content,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	Answered   bool   `json:"answered,omitempty"`
	Anonymous  bool   `json:"anonymous,omitempty"`

	// polls
	Options []PollOption `json:"options,omitempty"`
	Active  bool         `json:"active,omitempty"`

	// poll_votes
	PollID   string `json:"poll_id,omitempty"`
	OptionID string `json:"option_id,omitempty"`
	VoterID  string `json:"voter_id,omitempty"`
}

// Clone returns a copy that does not share the options slice.
func (r Record) Clone() Record {
	if r.Options != nil {
		r.Options = append([]PollOption(nil), r.Options...)
	}
	return r
}

// Equal compares every field, including the payload.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || r.SessionID != o.SessionID ||
		!r.CreatedAt.Equal(o.CreatedAt) || !r.UpdatedAt.Equal(o.UpdatedAt) ||
		r.Content != o.Content || r.AuthorName != o.AuthorName ||
		r.Answered != o.Answered || r.Anonymous != o.Anonymous ||
		r.Active != o.Active ||
		r.PollID != o.PollID || r.OptionID != o.OptionID || r.VoterID != o.VoterID {
		return false
	}
	if len(r.Options) != len(o.Options) {
		return false
	}
	for i := range r.Options {
		if r.Options[i] != o.Options[i] {
			return false
		}
	}
	return true
}

// DisplayAuthor hides the author of anonymous questions.
func (r Record) DisplayAuthor() string {
	if r.Anonymous || strings.TrimSpace(r.AuthorName) == "" {
		return "Anonymous"
	}
	return r.AuthorName
}
