package feed

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// Handler receives change events for one session and collection, in arrival order.
type Handler func(ev panel.ChangeEvent)

// StatusHandler observes status transitions. err is a *panel.SubscriptionError for
// StatusErrored and nil otherwise.
type StatusHandler func(status Status, err error)

type SubscribeOption func(*Subscription)

func OnStatus(fn StatusHandler) SubscribeOption {
	return func(s *Subscription) { s.onStatus = fn }
}

// Subscription is one live delivery loop. Delivery and teardown are serialized: once
// Unsubscribe returns no further handler invocation starts.
type Subscription struct {
	client     *Client
	sessionID  string
	collection string
	onEvent    Handler
	onStatus   StatusHandler

	subscriber message.Subscriber
	owned      bool
	cancel     context.CancelFunc

	// deliverMu is held while onEvent runs.
	deliverMu sync.Mutex
	// statusMu serializes onStatus callbacks.
	statusMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	status    Status
	statusErr error
	// probeDown marks an errored status caused by a failed health probe rather than
	// by the delivery loop ending.
	probeDown bool
	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

func (s *Subscription) SessionID() string  { return s.sessionID }
func (s *Subscription) Collection() string { return s.collection }

// Status returns the current status and, when errored, the cause.
func (s *Subscription) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statusErr
}

// Ready is closed once the subscription leaves StatusConnecting.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the delivery loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// WaitReady blocks until the subscription leaves StatusConnecting or ctx is done.
func (s *Subscription) WaitReady(ctx context.Context) (Status, error) {
	select {
	case <-s.ready:
		return s.Status()
	case <-ctx.Done():
		return StatusConnecting, ctx.Err()
	}
}

// Unsubscribe stops delivery. It is idempotent and safe to call concurrently with an
// in-flight event, which it waits for. It must not be called from inside onEvent.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// wait for an in-flight delivery to finish
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	if s.owned && s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "feed").Str("session_id", s.sessionID).Str("collection", s.collection).Msg("subscriber close failed")
		}
	}
	if s.client != nil {
		s.client.forget(s)
	}
	s.setStatus(StatusClosed, nil)
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) setStatus(status Status, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	if s.status == status || s.status == StatusClosed || (s.closed && status != StatusClosed) {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.statusErr = err
	s.mu.Unlock()

	if status != StatusConnecting {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if s.client != nil {
		s.client.metrics.FeedStatusChanged(s.collection, string(status))
	}
	ev := log.Debug()
	if status == StatusErrored {
		ev = log.Warn().Err(err)
	}
	ev.Str("component", "feed").
		Str("session_id", s.sessionID).
		Str("collection", s.collection).
		Str("status", string(status)).
		Msg("subscription status changed")
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}

func (s *Subscription) subscriptionError(err error) error {
	return &panel.SubscriptionError{SessionID: s.sessionID, Collection: s.collection, Err: err}
}

func (s *Subscription) metrics() *metrics.Metrics {
	if s.client == nil {
		return nil
	}
	return s.client.metrics
}

func (s *Subscription) transportDown(err error) {
	s.mu.Lock()
	live := s.status == StatusConnected && !s.closed
	if live {
		s.probeDown = true
	}
	s.mu.Unlock()
	if live {
		s.setStatus(StatusErrored, s.subscriptionError(errors.Wrap(err, "transport unreachable")))
	}
}

func (s *Subscription) transportUp() {
	s.mu.Lock()
	restore := s.status == StatusErrored && s.probeDown && !s.closed
	s.probeDown = false
	s.mu.Unlock()
	if !restore {
		return
	}
	select {
	case <-s.done:
		// the loop is gone; only a new subscription can recover
		return
	default:
	}
	s.setStatus(StatusConnected, nil)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	ch, err := s.subscriber.Subscribe(ctx, Topic(s.sessionID, s.collection))
	if err != nil {
		if !s.isClosed() {
			s.setStatus(StatusErrored, s.subscriptionError(errors.Wrap(err, "subscribe")))
		}
		return
	}
	s.setStatus(StatusConnected, nil)

	for msg := range ch {
		s.handle(msg)
		msg.Ack()
	}

	s.mu.Lock()
	s.probeDown = false
	s.mu.Unlock()
	if !s.isClosed() {
		s.setStatus(StatusErrored, s.subscriptionError(errors.New("message channel closed")))
	}
}

func (s *Subscription) handle(msg *message.Message) {
	m := s.metrics()
	ev, err := panel.UnmarshalChangeEvent(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "feed").Str("session_id", s.sessionID).Str("collection", s.collection).Msg("dropping malformed change event")
		m.FeedMessage(s.collection, "malformed")
		return
	}
	if ev.SessionID != s.sessionID || ev.Collection != s.collection {
		m.FeedMessage(s.collection, "filtered")
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.isClosed() {
		m.FeedMessage(s.collection, "dropped")
		return
	}
	s.onEvent(ev)
	m.FeedMessage(s.collection, "delivered")
}
