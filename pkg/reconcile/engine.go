// Package reconcile merges a snapshot and a stream of change events into one ordered,
// deduplicated collection.
//
// An Engine is not safe for concurrent use; the session controller serializes access.
// Every operation is a synchronous in-memory transformation.
package reconcile

import (
	"sort"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

type OutcomeKind string

const (
	OutcomeInserted OutcomeKind = "inserted"
	OutcomeUpdated  OutcomeKind = "updated"
	OutcomeDeleted  OutcomeKind = "deleted"
	OutcomeIgnored  OutcomeKind = "ignored"
)

// Outcome describes what applying an event did. Changed is false when the collection is
// identical before and after, e.g. for a redelivered event.
type Outcome struct {
	Kind    OutcomeKind
	ID      string
	Changed bool
}

type entry struct {
	rec panel.Record
	// seq is the apply order; higher means applied more recently.
	seq uint64
}

type Engine struct {
	sessionID  string
	collection string
	cmp        Comparator
	items      []entry
	seq        uint64
}

type Option func(*Engine)

func WithComparator(cmp Comparator) Option {
	return func(e *Engine) {
		if cmp != nil {
			e.cmp = cmp
		}
	}
}

// WithCollection restricts the engine to events of one collection.
func WithCollection(collection string) Option {
	return func(e *Engine) { e.collection = collection }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{cmp: ByCreatedDesc}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SessionID() string { return e.sessionID }

// Reset discards the collection and scopes the engine to sessionID.
func (e *Engine) Reset(sessionID string) {
	e.sessionID = sessionID
	e.items = nil
}

func (e *Engine) less(a, b entry) bool {
	if c := e.cmp(a.rec, b.rec); c != 0 {
		return c < 0
	}
	return a.seq > b.seq
}

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

// ApplySnapshot replaces the collection. records are expected newest first; equal keys
// keep their snapshot order. A duplicate id keeps its first occurrence.
func (e *Engine) ApplySnapshot(records []panel.Record) {
	seen := make(map[string]struct{}, len(records))
	kept := make([]panel.Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" || !e.ownsSession(r.SessionID) {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		kept = append(kept, r)
	}

	items := make([]entry, len(kept))
	// earlier snapshot rows count as more recently applied so ties keep snapshot order
	for i := len(kept) - 1; i >= 0; i-- {
		items[i] = entry{rec: kept[i].Clone(), seq: e.nextSeq()}
	}
	sort.SliceStable(items, func(i, j int) bool { return e.less(items[i], items[j]) })
	e.items = items
}

func (e *Engine) ownsSession(sessionID string) bool {
	return e.sessionID == "" || sessionID == e.sessionID
}

// Apply merges one change event.
func (e *Engine) Apply(ev panel.ChangeEvent) Outcome {
	id := ev.RecordID()
	if ev.Validate() != nil || !e.ownsSession(ev.SessionID) || (e.collection != "" && ev.Collection != e.collection) {
		return Outcome{Kind: OutcomeIgnored, ID: id}
	}
	switch ev.Type {
	case panel.EventInserted, panel.EventUpdated:
		return e.upsert(*ev.Record)
	case panel.EventDeleted:
		return e.remove(id)
	}
	return Outcome{Kind: OutcomeIgnored, ID: id}
}

func (e *Engine) indexOf(id string) int {
	for i := range e.items {
		if e.items[i].rec.ID == id {
			return i
		}
	}
	return -1
}

// upsert handles inserts and updates alike: present ids are replaced in place, absent
// ids are inserted, so redelivered and early updates are never dropped.
func (e *Engine) upsert(r panel.Record) Outcome {
	i := e.indexOf(r.ID)
	if i < 0 {
		e.insert(entry{rec: r.Clone(), seq: e.nextSeq()})
		return Outcome{Kind: OutcomeInserted, ID: r.ID, Changed: true}
	}

	current := e.items[i].rec
	if olderThan(r, current) {
		return Outcome{Kind: OutcomeUpdated, ID: r.ID}
	}
	if current.Equal(r) {
		return Outcome{Kind: OutcomeUpdated, ID: r.ID}
	}
	e.items[i].rec = r.Clone()
	if !e.inPlace(i) {
		moved := e.items[i]
		e.items = append(e.items[:i], e.items[i+1:]...)
		e.insert(moved)
	}
	return Outcome{Kind: OutcomeUpdated, ID: r.ID, Changed: true}
}

// olderThan reports whether incoming is a stale copy of current: it predates the last
// store update current reflects.
func olderThan(incoming, current panel.Record) bool {
	if current.UpdatedAt.IsZero() {
		return false
	}
	return incoming.UpdatedAt.IsZero() || incoming.UpdatedAt.Before(current.UpdatedAt)
}

// inPlace reports whether item i is still ordered against its neighbours.
func (e *Engine) inPlace(i int) bool {
	if i > 0 && e.less(e.items[i], e.items[i-1]) {
		return false
	}
	if i < len(e.items)-1 && e.less(e.items[i+1], e.items[i]) {
		return false
	}
	return true
}

func (e *Engine) insert(it entry) {
	pos := sort.Search(len(e.items), func(j int) bool { return e.less(it, e.items[j]) })
	e.items = append(e.items, entry{})
	copy(e.items[pos+1:], e.items[pos:])
	e.items[pos] = it
}

func (e *Engine) remove(id string) Outcome {
	i := e.indexOf(id)
	if i < 0 {
		return Outcome{Kind: OutcomeDeleted, ID: id}
	}
	e.items = append(e.items[:i], e.items[i+1:]...)
	return Outcome{Kind: OutcomeDeleted, ID: id, Changed: true}
}

// SetComparator reorders the collection. Ties keep their apply order.
func (e *Engine) SetComparator(cmp Comparator) {
	if cmp == nil {
		cmp = ByCreatedDesc
	}
	e.cmp = cmp
	sort.SliceStable(e.items, func(i, j int) bool { return e.less(e.items[i], e.items[j]) })
}

func (e *Engine) Len() int { return len(e.items) }

func (e *Engine) Get(id string) (panel.Record, bool) {
	i := e.indexOf(id)
	if i < 0 {
		return panel.Record{}, false
	}
	return e.items[i].rec.Clone(), true
}

// Records returns a copy of the ordered collection.
func (e *Engine) Records() []panel.Record {
	out := make([]panel.Record, len(e.items))
	for i := range e.items {
		out[i] = e.items[i].rec.Clone()
	}
	return out
}

// View is Records; it lets the engine act as a session reconciler.
func (e *Engine) View() []panel.Record { return e.Records() }

func (e *Engine) IDs() []string {
	out := make([]string, len(e.items))
	for i := range e.items {
		out[i] = e.items[i].rec.ID
	}
	return out
}
