// Package session drives the lifecycle of one watched session: snapshot load, live
// change feed, reconciliation and transient markers, and the updates views render.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/feed"
	"github.com/go-go-golems/panelfeed/pkg/markers"
	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/reconcile"
)

type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateActive      State = "active"
	StateTearingDown State = "tearing_down"
	StateFailed      State = "failed"
)

// Reconciler folds a snapshot and change events into a view. Calls are serialized by
// the controller.
type Reconciler[V any] interface {
	Reset(sessionID string)
	ApplySnapshot(records []panel.Record)
	Apply(ev panel.ChangeEvent) reconcile.Outcome
	View() V
}

// Loader fetches the initial records of every collection the controller watches.
type Loader interface {
	Collections() []string
	Load(ctx context.Context, sessionID string) ([]panel.Record, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, sessionID, collection string, onEvent feed.Handler, opts ...feed.SubscribeOption) (*feed.Subscription, error)
}

// Update is one observable state of the controller. Versions increase strictly; an
// observer never sees a version older than one it already received.
type Update[V any] struct {
	SessionID string
	State     State
	Connected bool
	Stale     bool
	Err       error
	View      V
	New       []string
	Updated   []string
	Version   uint64
}

type observer[V any] struct {
	fn   func(Update[V])
	last uint64
}

type settings struct {
	name    string
	markers *markers.Tracker
	metrics *metrics.Metrics
}

type Option func(*settings)

// WithName labels logs; it defaults to the first watched collection.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

func WithMarkers(t *markers.Tracker) Option {
	return func(s *settings) { s.markers = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// Controller owns one session at a time. Lifecycle operations are serialized by opMu;
// feed deliveries, snapshot completion and marker expiry serialize through mu and are
// discarded when they belong to an earlier generation.
type Controller[V any] struct {
	name        string
	loader      Loader
	subscriber  Subscriber
	rec         Reconciler[V]
	markers     *markers.Tracker
	metrics     *metrics.Metrics
	collections []string
	logger      zerolog.Logger

	opMu sync.Mutex

	mu              sync.Mutex
	state           State
	sessionID       string
	gen             uint64
	loadID          uint64
	ctx             context.Context
	cancel          context.CancelFunc
	subs            []*feed.Subscription
	feedStatus      map[string]feed.Status
	snapshotApplied bool
	buffer          []panel.ChangeEvent
	err             error
	stale           bool
	counted         bool
	version         uint64

	emitMu    sync.Mutex
	observers map[int]*observer[V]
	nextObs   int
}

func New[V any](loader Loader, subscriber Subscriber, rec Reconciler[V], opts ...Option) (*Controller[V], error) {
	if loader == nil || subscriber == nil || rec == nil {
		return nil, errors.New("session controller: loader, subscriber and reconciler are required")
	}
	collections := loader.Collections()
	if len(collections) == 0 {
		return nil, errors.New("session controller: loader watches no collection")
	}
	s := settings{name: collections[0]}
	for _, opt := range opts {
		opt(&s)
	}
	if s.markers == nil {
		s.markers = markers.NewTracker()
	}
	c := &Controller[V]{
		name:        s.name,
		loader:      loader,
		subscriber:  subscriber,
		rec:         rec,
		markers:     s.markers,
		metrics:     s.metrics,
		collections: append([]string(nil), collections...),
		logger:      log.With().Str("component", "session").Str("controller", s.name).Logger(),
		state:       StateIdle,
		observers:   map[int]*observer[V]{},
	}
	c.markers.OnChange(func(string, markers.Kind) { c.onMarkerExpired() })
	return c, nil
}

func (c *Controller[V]) Name() string { return c.name }

// Start begins watching sessionID. The snapshot load and the feed subscriptions run
// concurrently; events delivered before the snapshot is applied are buffered.
func (c *Controller[V]) Start(sessionID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(sessionID)
}

func (c *Controller[V]) start(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session controller: session id is empty")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return errors.Errorf("session controller: cannot start %s while %s", sessionID, st)
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.sessionID = sessionID
	c.state = StateLoading
	c.err = nil
	c.stale = false
	c.buffer = nil
	c.snapshotApplied = false
	c.feedStatus = map[string]feed.Status{}
	for _, coll := range c.collections {
		c.feedStatus[coll] = feed.StatusConnecting
	}
	c.rec.Reset(sessionID)
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)
	c.logger.Info().Str("session_id", sessionID).Msg("session starting")

	subs := make([]*feed.Subscription, 0, len(c.collections))
	for _, coll := range c.collections {
		sub, err := c.subscriber.Subscribe(ctx, sessionID, coll,
			func(ev panel.ChangeEvent) { c.onEvent(gen, ev) },
			feed.OnStatus(func(st feed.Status, err error) { c.onFeedStatus(gen, coll, st, err) }),
		)
		if err != nil {
			c.onFeedStatus(gen, coll, feed.StatusErrored, &panel.SubscriptionError{SessionID: sessionID, Collection: coll, Err: err})
			continue
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	stillOurs := c.gen == gen
	if stillOurs {
		c.subs = subs
	}
	c.loadID++
	loadID := c.loadID
	c.mu.Unlock()
	if !stillOurs {
		for _, s := range subs {
			s.Unsubscribe()
		}
		return nil
	}

	go c.load(ctx, gen, loadID, sessionID)
	return nil
}

func (c *Controller[V]) load(ctx context.Context, gen, loadID uint64, sessionID string) {
	recs, err := c.loader.Load(ctx, sessionID)

	c.mu.Lock()
	if c.gen != gen || c.loadID != loadID || c.state != StateLoading {
		c.mu.Unlock()
		c.logger.Debug().Str("session_id", sessionID).Msg("discarding snapshot of a previous session")
		return
	}
	if err != nil {
		if !panel.IsFetchError(err) {
			err = &panel.FetchError{SessionID: sessionID, Err: err}
		}
		c.state = StateFailed
		c.err = err
		c.buffer = nil
		subs, cancel := c.subs, c.cancel
		c.subs, c.cancel = nil, nil
		u := c.nextUpdateLocked()
		c.mu.Unlock()

		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("snapshot failed")
		c.publish(u)
		if cancel != nil {
			cancel()
		}
		for _, s := range subs {
			s.Unsubscribe()
		}
		return
	}

	c.rec.ApplySnapshot(recs)
	buffered := c.buffer
	c.buffer = nil
	c.snapshotApplied = true
	c.stale = false
	if panel.IsFetchError(c.err) {
		c.err = nil
	}
	for _, ev := range buffered {
		c.applyLocked(ev)
	}
	c.maybeActivateLocked()
	u := c.nextUpdateLocked()
	c.mu.Unlock()

	c.logger.Debug().Str("session_id", sessionID).Int("records", len(recs)).Int("replayed", len(buffered)).Msg("snapshot applied")
	c.publish(u)
}

func (c *Controller[V]) maybeActivateLocked() {
	if c.state != StateLoading || !c.snapshotApplied {
		return
	}
	for _, st := range c.feedStatus {
		if st == feed.StatusConnecting {
			return
		}
	}
	c.state = StateActive
	if !c.counted {
		c.counted = true
		c.metrics.ControllerActivated(1)
	}
	c.logger.Info().Str("session_id", c.sessionID).Bool("connected", c.connectedLocked()).Msg("session active")
}

func (c *Controller[V]) onEvent(gen uint64, ev panel.ChangeEvent) {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateLoading && c.state != StateActive) {
		c.mu.Unlock()
		return
	}
	if !c.snapshotApplied {
		c.buffer = append(c.buffer, ev)
		c.mu.Unlock()
		return
	}
	if !c.applyLocked(ev) {
		c.mu.Unlock()
		return
	}
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)
}

// applyLocked reconciles ev and marks changed records of the primary collection.
func (c *Controller[V]) applyLocked(ev panel.ChangeEvent) bool {
	out := c.rec.Apply(ev)
	c.metrics.EventApplied(ev.Collection, string(out.Kind))
	if !out.Changed {
		return false
	}
	if ev.Collection == c.collections[0] {
		switch out.Kind {
		case reconcile.OutcomeInserted:
			c.markers.MarkNew(out.ID)
		case reconcile.OutcomeUpdated:
			c.markers.MarkUpdated(out.ID)
		case reconcile.OutcomeDeleted, reconcile.OutcomeIgnored:
		}
	}
	return true
}

func (c *Controller[V]) onFeedStatus(gen uint64, collection string, st feed.Status, err error) {
	c.mu.Lock()
	if c.gen != gen || c.feedStatus == nil || st == feed.StatusClosed {
		c.mu.Unlock()
		return
	}
	c.feedStatus[collection] = st
	resync := false
	switch st {
	case feed.StatusErrored:
		if err == nil {
			err = &panel.SubscriptionError{SessionID: c.sessionID, Collection: collection, Err: errors.New("feed errored")}
		}
		c.err = err
		if c.snapshotApplied {
			c.stale = true
		}
		c.logger.Warn().Err(err).Str("session_id", c.sessionID).Str("collection", collection).Msg("feed degraded")
	case feed.StatusConnected:
		if c.connectedLocked() {
			if panel.IsSubscriptionError(c.err) {
				c.err = nil
			}
			// events may have been missed while the feed was down
			resync = c.stale && c.state == StateActive
		}
	case feed.StatusConnecting, feed.StatusClosed:
	}
	c.maybeActivateLocked()
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)

	if resync {
		go func() {
			if err := c.refresh(gen); err != nil {
				c.logger.Debug().Err(err).Msg("resync skipped")
			}
		}()
	}
}

func (c *Controller[V]) onMarkerExpired() {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateLoading {
		c.mu.Unlock()
		return
	}
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)
}

func (c *Controller[V]) connectedLocked() bool {
	if len(c.feedStatus) == 0 {
		return false
	}
	for _, st := range c.feedStatus {
		if st != feed.StatusConnected {
			return false
		}
	}
	return true
}

// Stop tears the current session down and returns to idle. It is synchronous: when it
// returns no callback of the old session can change state.
func (c *Controller[V]) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown()
}

// Switch tears the current session down and starts sessionID.
func (c *Controller[V]) Switch(sessionID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown()
	return c.start(sessionID)
}

// Retry restarts a session whose snapshot failed.
func (c *Controller[V]) Retry() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	st, sessionID := c.state, c.sessionID
	c.mu.Unlock()
	if st != StateFailed {
		return errors.Errorf("session controller: retry while %s", st)
	}
	c.teardown()
	return c.start(sessionID)
}

// Refresh reloads the snapshot of the active session, for example after a feed error
// left it stale. Events arriving meanwhile are buffered and replayed. A stale session
// refreshes on its own once every feed has reconnected.
func (c *Controller[V]) Refresh() error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.refresh(gen)
}

func (c *Controller[V]) refresh(gen uint64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.gen != gen || c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return errors.Errorf("session controller: refresh while %s", st)
	}
	c.state = StateLoading
	c.snapshotApplied = false
	c.loadID++
	loadID, sessionID, ctx := c.loadID, c.sessionID, c.ctx
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)

	go c.load(ctx, gen, loadID, sessionID)
	return nil
}

func (c *Controller[V]) teardown() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.state = StateTearingDown
	c.gen++
	subs, cancel := c.subs, c.cancel
	c.subs, c.cancel = nil, nil
	u := c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)

	if cancel != nil {
		cancel()
	}
	// Unsubscribe waits for in-flight deliveries, which need mu.
	for _, s := range subs {
		s.Unsubscribe()
	}
	c.markers.ClearAll()

	c.mu.Lock()
	c.rec.Reset("")
	c.buffer = nil
	c.feedStatus = nil
	c.snapshotApplied = false
	c.sessionID = ""
	c.err = nil
	c.stale = false
	c.state = StateIdle
	if c.counted {
		c.counted = false
		c.metrics.ControllerActivated(-1)
	}
	u = c.nextUpdateLocked()
	c.mu.Unlock()
	c.publish(u)
	c.logger.Info().Str("session_id", sessionID).Msg("session stopped")
}

func (c *Controller[V]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller[V]) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Current returns the latest state without bumping the version.
func (c *Controller[V]) Current() Update[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked()
}

func (c *Controller[V]) nextUpdateLocked() Update[V] {
	c.version++
	return c.updateLocked()
}

func (c *Controller[V]) updateLocked() Update[V] {
	return Update[V]{
		SessionID: c.sessionID,
		State:     c.state,
		Connected: c.connectedLocked(),
		Stale:     c.stale,
		Err:       c.err,
		View:      c.rec.View(),
		New:       c.markers.New(),
		Updated:   c.markers.Updated(),
		Version:   c.version,
	}
}

// Observe registers fn and immediately delivers the current state to it. fn runs
// without the state lock held but must not call lifecycle operations. The returned
// function unregisters fn.
func (c *Controller[V]) Observe(fn func(Update[V])) (cancel func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	u := c.Current()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = &observer[V]{fn: fn, last: u.Version}
	fn(u)
	return func() {
		c.emitMu.Lock()
		defer c.emitMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller[V]) publish(u Update[V]) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for _, o := range c.observers {
		if u.Version <= o.last {
			continue
		}
		o.last = u.Version
		o.fn(u)
	}
}
