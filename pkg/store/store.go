// Package store provides the row store the reconciliation core reads snapshots from
// and the HTTP surface writes to. Every successful write is described by a Mutation so
// a notifying wrapper can fan it out on the change feed.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// Order selects the created_at ordering of a query. The zero value is newest first.
type Order int

const (
	OrderCreatedDesc Order = iota
	OrderCreatedAsc
)

// Filter scopes a query. SessionID is required; PollID narrows poll_votes queries.
type Filter struct {
	SessionID string
	PollID    string
}

// Mutation describes a successful write.
type Mutation struct {
	Type       panel.EventType
	Collection string
	Record     panel.Record
	// Noop marks a write that changed nothing, such as a repeated vote; nothing is published.
	Noop bool
}

// Event converts the mutation into the change event subscribers receive.
func (m Mutation) Event() panel.ChangeEvent {
	switch m.Type {
	case panel.EventDeleted:
		return panel.Deleted(m.Collection, m.Record.SessionID, m.Record.ID)
	case panel.EventUpdated:
		return panel.Updated(m.Collection, m.Record)
	default:
		return panel.Inserted(m.Collection, m.Record)
	}
}

type Reader interface {
	Query(ctx context.Context, collection string, filter Filter, order Order) ([]panel.Record, error)
	Get(ctx context.Context, collection, sessionID, id string) (panel.Record, error)
}

// Writer mutates records. Insert on poll_votes upserts on (poll, voter): a second vote
// by the same voter moves the existing row and reports an update.
type Writer interface {
	Insert(ctx context.Context, collection string, rec panel.Record) (Mutation, error)
	Update(ctx context.Context, collection string, rec panel.Record) (Mutation, error)
	Delete(ctx context.Context, collection, sessionID, id string) (Mutation, error)
}

type Store interface {
	Reader
	Writer
	Close() error
}

func validateCollection(collection string) error {
	if !panel.KnownCollection(collection) {
		return errors.Errorf("unknown collection %q", collection)
	}
	return nil
}

// prepareInsert fills store-assigned fields and validates the payload for the collection.
func prepareInsert(collection string, rec panel.Record, now time.Time) (panel.Record, error) {
	if err := validateCollection(collection); err != nil {
		return panel.Record{}, err
	}
	rec = rec.Clone()
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" {
		return panel.Record{}, errors.New("session_id is empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = time.Time{}

	switch collection {
	case panel.CollectionQuestions:
		if strings.TrimSpace(rec.Content) == "" {
			return panel.Record{}, errors.New("question content is empty")
		}
	case panel.CollectionPolls:
		if strings.TrimSpace(rec.Content) == "" {
			return panel.Record{}, errors.New("poll question is empty")
		}
		if len(rec.Options) < 2 {
			return panel.Record{}, errors.New("poll needs at least two options")
		}
		seen := map[string]struct{}{}
		for i := range rec.Options {
			if rec.Options[i].ID == "" {
				rec.Options[i].ID = uuid.NewString()
			}
			if _, ok := seen[rec.Options[i].ID]; ok {
				return panel.Record{}, errors.Errorf("duplicate poll option %q", rec.Options[i].ID)
			}
			seen[rec.Options[i].ID] = struct{}{}
		}
	case panel.CollectionPollVotes:
		if rec.PollID == "" || rec.OptionID == "" {
			return panel.Record{}, errors.New("vote needs poll_id and option_id")
		}
	}
	return rec, nil
}

// checkVote verifies the vote references a declared option of an existing poll.
func checkVote(poll panel.Record, vote panel.Record) error {
	if !poll.Active {
		return errors.Errorf("poll %q is closed", poll.ID)
	}
	for _, o := range poll.Options {
		if o.ID == vote.OptionID {
			return nil
		}
	}
	return &panel.NotFoundError{Collection: "poll option", ID: vote.OptionID}
}

// mergeUpdate keeps the immutable fields of existing and takes the payload of rec.
func mergeUpdate(existing, rec panel.Record, now time.Time) panel.Record {
	out := rec.Clone()
	out.ID = existing.ID
	out.SessionID = existing.SessionID
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	return out
}

func writeErr(collection string, err error) error {
	if err == nil {
		return nil
	}
	var nf *panel.NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	var we *panel.WriteError
	if errors.As(err, &we) {
		return err
	}
	return &panel.WriteError{Collection: collection, Err: err}
}
