// Package markers tracks short-lived "new" and "updated" highlights for record ids.
package markers

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	DefaultNewTTL     = 10 * time.Second
	DefaultUpdatedTTL = 5 * time.Second
)

type Kind string

const (
	KindNew     Kind = "new"
	KindUpdated Kind = "updated"
)

type mark struct {
	kind  Kind
	timer clock.Timer
	token uint64
}

// Tracker holds at most one marker per id. Every marker owns exactly one pending timer,
// so the number of pending timers is bounded by the distinct ids marked since the last
// ClearAll.
type Tracker struct {
	mu         sync.Mutex
	clock      clock.Clock
	newTTL     time.Duration
	updatedTTL time.Duration
	marks      map[string]*mark
	token      uint64
	onChange   func(id string, kind Kind)
}

type Option func(*Tracker)

func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) {
		if clk != nil {
			t.clock = clk
		}
	}
}

// WithTTLs overrides the windows; zero keeps the default.
func WithTTLs(newTTL, updatedTTL time.Duration) Option {
	return func(t *Tracker) {
		if newTTL > 0 {
			t.newTTL = newTTL
		}
		if updatedTTL > 0 {
			t.updatedTTL = updatedTTL
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock:      clock.WallClock,
		newTTL:     DefaultNewTTL,
		updatedTTL: DefaultUpdatedTTL,
		marks:      map[string]*mark{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a callback invoked after a marker expires. It runs on the timer
// goroutine without the tracker lock held.
func (t *Tracker) OnChange(fn func(id string, kind Kind)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *Tracker) MarkNew(id string)     { t.mark(id, KindNew, t.newTTL) }
func (t *Tracker) MarkUpdated(id string) { t.mark(id, KindUpdated, t.updatedTTL) }

// mark sets the id's marker and restarts its window, replacing a marker of either kind.
func (t *Tracker) mark(id string, kind Kind, ttl time.Duration) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.marks[id]; ok {
		prev.timer.Stop()
	}
	t.token++
	token := t.token
	m := &mark{kind: kind, token: token}
	m.timer = t.clock.AfterFunc(ttl, func() { t.expire(id, token) })
	t.marks[id] = m
}

func (t *Tracker) expire(id string, token uint64) {
	t.mu.Lock()
	m, ok := t.marks[id]
	if !ok || m.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.marks, id)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(id, m.kind)
	}
}

// ClearAll cancels every pending timer and empties both sets. Callbacks already
// captured by a timer find no matching marker and do nothing.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.marks {
		m.timer.Stop()
	}
	t.marks = map[string]*mark{}
}

func (t *Tracker) IsNew(id string) bool     { return t.is(id, KindNew) }
func (t *Tracker) IsUpdated(id string) bool { return t.is(id, KindUpdated) }

func (t *Tracker) is(id string, kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.marks[id]
	return ok && m.kind == kind
}

// New returns the ids currently marked new, sorted.
func (t *Tracker) New() []string { return t.ids(KindNew) }

// Updated returns the ids currently marked updated, sorted.
func (t *Tracker) Updated() []string { return t.ids(KindUpdated) }

func (t *Tracker) ids(kind Kind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []string{}
	for id, m := range t.marks {
		if m.kind == kind {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Pending is the number of live expiry timers.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.marks)
}
