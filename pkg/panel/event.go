package panel

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
)

// ChangeEvent is a row-level change notification scoped to one session and collection.
// Deleted events only carry ID; the other kinds carry the full record and mirror its id.
type ChangeEvent struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Record     *Record   `json:"record,omitempty"`
}

func Inserted(collection string, r Record) ChangeEvent {
	return ChangeEvent{Type: EventInserted, SessionID: r.SessionID, Collection: collection, ID: r.ID, Record: &r}
}

func Updated(collection string, r Record) ChangeEvent {
	return ChangeEvent{Type: EventUpdated, SessionID: r.SessionID, Collection: collection, ID: r.ID, Record: &r}
}

func Deleted(collection, sessionID, id string) ChangeEvent {
	return ChangeEvent{Type: EventDeleted, SessionID: sessionID, Collection: collection, ID: id}
}

// Validate checks that the event is well formed: known type, scoping fields present,
// and a record matching the event's id and session for inserts and updates.
func (e ChangeEvent) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("change event: session_id is empty")
	}
	if strings.TrimSpace(e.Collection) == "" {
		return errors.New("change event: collection is empty")
	}
	switch e.Type {
	case EventDeleted:
		if e.ID == "" {
			return errors.New("change event: deleted event without id")
		}
		return nil
	case EventInserted, EventUpdated:
		if e.Record == nil {
			return errors.Errorf("change event: %s event without record", e.Type)
		}
		if e.Record.ID == "" {
			return errors.New("change event: record id is empty")
		}
		if e.ID != "" && e.ID != e.Record.ID {
			return errors.Errorf("change event: id %q does not match record id %q", e.ID, e.Record.ID)
		}
		if e.Record.SessionID != e.SessionID {
			return errors.Errorf("change event: record session %q does not match event session %q", e.Record.SessionID, e.SessionID)
		}
		return nil
	default:
		return errors.Errorf("change event: unknown type %q", e.Type)
	}
}

// RecordID returns the id the event refers to regardless of its kind.
func (e ChangeEvent) RecordID() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Record != nil {
		return e.Record.ID
	}
	return ""
}

func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalChangeEvent decodes and validates a wire payload.
func UnmarshalChangeEvent(b []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ChangeEvent{}, errors.Wrap(err, "decode change event")
	}
	if ev.ID == "" && ev.Record != nil {
		ev.ID = ev.Record.ID
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}
