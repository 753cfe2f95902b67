// Package server exposes watched sessions to viewers over websockets and accepts
// questions, polls and votes over HTTP.
//
// The Hub owns one Room per session with viewers. A Room holds the shared question
// and poll controllers, so every viewer of a session observes the same reconciled
// state; the room is torn down when its last viewer has been gone for the idle timeout.
package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/markers"
	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/reconcile"
	"github.com/go-go-golems/panelfeed/pkg/session"
	"github.com/go-go-golems/panelfeed/pkg/snapshot"
	"github.com/go-go-golems/panelfeed/pkg/store"
	"github.com/go-go-golems/panelfeed/pkg/votes"
)

const DefaultIdleTimeout = 30 * time.Second

type HubOption func(*Hub)

func WithHubClock(clk clock.Clock) HubOption {
	return func(h *Hub) {
		if clk != nil {
			h.clock = clk
		}
	}
}

// WithIdleTimeout sets how long a room outlives its last viewer. Zero keeps rooms
// until Close.
func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.idleTimeout = d }
}

func WithMarkerTTLs(newTTL, updatedTTL time.Duration) HubOption {
	return func(h *Hub) { h.newTTL, h.updatedTTL = newTTL, updatedTTL }
}

func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

type Hub struct {
	store       store.Store
	subscriber  session.Subscriber
	clock       clock.Clock
	idleTimeout time.Duration
	newTTL      time.Duration
	updatedTTL  time.Duration
	metrics     *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewHub(st store.Store, subscriber session.Subscriber, opts ...HubOption) (*Hub, error) {
	if st == nil {
		return nil, errors.New("hub: store is nil")
	}
	if subscriber == nil {
		return nil, errors.New("hub: subscriber is nil")
	}
	h := &Hub{
		store:       st,
		subscriber:  subscriber,
		clock:       clock.WallClock,
		idleTimeout: DefaultIdleTimeout,
		rooms:       map[string]*Room{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Room is the shared live state of one session.
type Room struct {
	SessionID string
	Questions *session.Controller[[]panel.Record]
	Polls     *session.Controller[[]votes.Tally]
	Votes     *votes.Aggregator

	pool      *ConnectionPool
	unobserve []func()
}

// Attach adds conn as a viewer of sessionID, opening the room if needed.
func (h *Hub) Attach(sessionID string, conn wsConn) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.ensureLocked(sessionID)
	if err != nil {
		return nil, err
	}
	r.pool.Add(conn)
	return r, nil
}

// Detach removes a viewer; the room expires after the idle timeout once empty.
func (h *Hub) Detach(r *Room, conn wsConn) {
	if r == nil {
		return
	}
	r.pool.Remove(conn)
}

// Room returns the room of sessionID without adding a viewer.
func (h *Hub) Room(sessionID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.ensureLocked(sessionID)
	if err != nil {
		return nil, err
	}
	r.pool.Touch()
	return r, nil
}

// Count returns the number of open rooms.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) ensureLocked(sessionID string) (*Room, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("hub: session id is empty")
	}
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	if r, ok := h.rooms[sessionID]; ok {
		r.retryFailed()
		return r, nil
	}
	r, err := h.openRoom(sessionID)
	if err != nil {
		return nil, err
	}
	h.rooms[sessionID] = r
	return r, nil
}

func (h *Hub) newTracker() *markers.Tracker {
	return markers.NewTracker(markers.WithClock(h.clock), markers.WithTTLs(h.newTTL, h.updatedTTL))
}

func (h *Hub) openRoom(sessionID string) (*Room, error) {
	ql, err := snapshot.Questions(h.store, snapshot.WithMetrics(h.metrics))
	if err != nil {
		return nil, err
	}
	pl, err := snapshot.Polls(h.store, snapshot.WithMetrics(h.metrics))
	if err != nil {
		return nil, err
	}

	engine := reconcile.NewEngine(reconcile.WithCollection(panel.CollectionQuestions))
	questions, err := session.New[[]panel.Record](ql, h.subscriber, engine,
		session.WithName("questions"), session.WithMarkers(h.newTracker()), session.WithMetrics(h.metrics))
	if err != nil {
		return nil, err
	}
	agg := votes.NewAggregator(
		votes.WithWriter(h.store),
		votes.WithMetrics(h.metrics),
		votes.OnWriteError(func(err error) {
			log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).Msg("vote was not recorded")
		}),
	)
	polls, err := session.New[[]votes.Tally](pl, h.subscriber, agg,
		session.WithName("polls"), session.WithMarkers(h.newTracker()), session.WithMetrics(h.metrics))
	if err != nil {
		return nil, err
	}

	r := &Room{SessionID: sessionID, Questions: questions, Polls: polls, Votes: agg}
	r.pool = NewConnectionPool(sessionID, h.clock, h.idleTimeout, func() { h.evict(r) }, h.metrics)

	r.unobserve = append(r.unobserve,
		questions.Observe(func(u session.Update[[]panel.Record]) { r.broadcast(QuestionsFrameFrom(u)) }),
		polls.Observe(func(u session.Update[[]votes.Tally]) { r.broadcast(PollsFrameFrom(u)) }),
	)
	if err := questions.Start(sessionID); err != nil {
		r.stop()
		return nil, err
	}
	if err := polls.Start(sessionID); err != nil {
		r.stop()
		return nil, err
	}
	log.Info().Str("component", "server").Str("session_id", sessionID).Msg("room opened")
	return r, nil
}

func (h *Hub) evict(r *Room) {
	h.mu.Lock()
	if h.rooms[r.SessionID] != r || r.pool.Count() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.SessionID)
	h.mu.Unlock()

	r.stop()
	log.Info().Str("component", "server").Str("session_id", r.SessionID).Msg("room closed after idle timeout")
}

// Close tears down every room.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = map[string]*Room{}
	h.closed = true
	h.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
}

func (r *Room) stop() {
	for _, cancel := range r.unobserve {
		cancel()
	}
	r.Questions.Stop()
	r.Polls.Stop()
	r.Votes.Wait()
	r.pool.CloseAll()
}

// retryFailed restarts controllers whose snapshot failed, so a returning viewer or a
// new vote gets another load attempt.
func (r *Room) retryFailed() {
	if r.Questions.State() == session.StateFailed {
		if err := r.Questions.Retry(); err != nil {
			log.Debug().Err(err).Str("component", "server").Str("session_id", r.SessionID).Msg("questions retry skipped")
		}
	}
	if r.Polls.State() == session.StateFailed {
		if err := r.Polls.Retry(); err != nil {
			log.Debug().Err(err).Str("component", "server").Str("session_id", r.SessionID).Msg("polls retry skipped")
		}
	}
}

func (r *Room) broadcast(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("session_id", r.SessionID).Msg("encode frame")
		return
	}
	r.pool.Broadcast(b)
}

// sendCurrent writes the latest state of both controllers to one viewer.
func (r *Room) sendCurrent(conn wsConn) {
	for _, frame := range []any{QuestionsFrameFrom(r.Questions.Current()), PollsFrameFrom(r.Polls.Current())} {
		b, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		r.pool.SendToOne(conn, b)
	}
}

// AwaitPolls blocks until the poll controller has either loaded or failed.
func (r *Room) AwaitPolls(ctx context.Context) error {
	settled := make(chan session.State, 1)
	cancel := r.Polls.Observe(func(u session.Update[[]votes.Tally]) {
		if u.State == session.StateActive || u.State == session.StateFailed {
			select {
			case settled <- u.State:
			default:
			}
		}
	})
	defer cancel()
	select {
	case st := <-settled:
		if st == session.StateFailed {
			return r.Polls.Current().Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
