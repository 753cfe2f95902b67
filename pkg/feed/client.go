// Package feed subscribes to the per-session change feed and delivers decoded change
// events in arrival order, reporting transport trouble as status transitions.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
)

// Status is the connection state of a subscription.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusErrored    Status = "errored"
	StatusClosed     Status = "closed"
)

// SubscriberSource hands out watermill subscribers. owned reports whether the caller
// must close the subscriber when done.
type SubscriberSource interface {
	NewSubscriber(ctx context.Context) (sub message.Subscriber, owned bool, err error)
}

// Pinger probes the transport; a failing probe marks live subscriptions errored.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Topic is the watermill topic carrying one session's changes to one collection.
func Topic(sessionID, collection string) string {
	return "panel." + sessionID + "." + collection
}

type Client struct {
	source  SubscriberSource
	metrics *metrics.Metrics
	clock   clock.Clock

	pinger         Pinger
	healthInterval time.Duration

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

type ClientOption func(*Client)

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithHealthCheck probes p every interval while Run is active.
func WithHealthCheck(p Pinger, interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pinger = p
		c.healthInterval = interval
	}
}

func NewClient(source SubscriberSource, opts ...ClientOption) (*Client, error) {
	if source == nil {
		return nil, errors.New("feed client: subscriber source is nil")
	}
	c := &Client{
		source: source,
		clock:  clock.WallClock,
		subs:   map[*Subscription]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe starts delivering change events for sessionID/collection to onEvent. The
// returned subscription starts in StatusConnecting; use WaitReady or OnStatus to learn
// when the feed is live.
func (c *Client) Subscribe(ctx context.Context, sessionID, collection string, onEvent Handler, opts ...SubscribeOption) (*Subscription, error) {
	if c == nil {
		return nil, errors.New("feed client is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	collection = strings.TrimSpace(collection)
	if sessionID == "" {
		return nil, errors.New("feed client: session id is empty")
	}
	if collection == "" {
		return nil, errors.New("feed client: collection is empty")
	}
	if onEvent == nil {
		return nil, errors.New("feed client: event handler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub, owned, err := c.source.NewSubscriber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "feed client: build subscriber")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		client:     c,
		sessionID:  sessionID,
		collection: collection,
		onEvent:    onEvent,
		subscriber: sub,
		owned:      owned,
		cancel:     cancel,
		status:     StatusConnecting,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run(runCtx)
	return s, nil
}

// Count returns the number of live subscriptions.
func (c *Client) Count() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) forget(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func (c *Client) snapshotSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Run probes transport health until ctx is done. It returns immediately when no
// health check is configured.
func (c *Client) Run(ctx context.Context) error {
	if c == nil || c.pinger == nil || c.healthInterval <= 0 {
		return nil
	}
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.healthInterval):
		}
		err := c.pinger.Ping(ctx)
		switch {
		case err != nil && healthy:
			healthy = false
			log.Warn().Err(err).Str("component", "feed").Msg("feed transport unhealthy")
			for _, s := range c.snapshotSubs() {
				s.transportDown(err)
			}
		case err == nil && !healthy:
			healthy = true
			log.Info().Str("component", "feed").Msg("feed transport recovered")
			for _, s := range c.snapshotSubs() {
				s.transportUp()
			}
		}
	}
}
