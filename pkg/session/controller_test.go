package session

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panelfeed/pkg/feed"
	"github.com/go-go-golems/panelfeed/pkg/markers"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/reconcile"
	"github.com/go-go-golems/panelfeed/pkg/redisstream"
	"github.com/go-go-golems/panelfeed/pkg/snapshot"
	"github.com/go-go-golems/panelfeed/pkg/store"
	"github.com/go-go-golems/panelfeed/pkg/votes"
)

type loadResult struct {
	recs []panel.Record
	err  error
}

// gatedLoader blocks every Load until the test releases the session's gate.
type gatedLoader struct {
	mu       sync.Mutex
	gates    map[string]chan loadResult
	returned map[string]int
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: map[string]chan loadResult{}, returned: map[string]int{}}
}

func (l *gatedLoader) gate(sessionID string) chan loadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[sessionID]
	if !ok {
		g = make(chan loadResult, 1)
		l.gates[sessionID] = g
	}
	return g
}

func (l *gatedLoader) release(sessionID string, recs []panel.Record, err error) {
	l.gate(sessionID) <- loadResult{recs: recs, err: err}
}

func (l *gatedLoader) returnedCount(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.returned[sessionID]
}

func (l *gatedLoader) Collections() []string { return []string{panel.CollectionQuestions} }

func (l *gatedLoader) Load(_ context.Context, sessionID string) ([]panel.Record, error) {
	res := <-l.gate(sessionID)
	l.mu.Lock()
	l.returned[sessionID]++
	l.mu.Unlock()
	return res.recs, res.err
}

func newLocalFeed(t *testing.T) (*feed.Client, *feed.Publisher) {
	t.Helper()
	tr, err := redisstream.BuildTransport(redisstream.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	c, err := feed.NewClient(tr)
	require.NoError(t, err)
	p, err := feed.NewPublisher(tr.Publisher())
	require.NoError(t, err)
	return c, p
}

func q(sessionID, id string, at int64) panel.Record {
	return panel.Record{ID: id, SessionID: sessionID, Content: "question " + id, CreatedAt: time.UnixMilli(at).UTC()}
}

func ids(recs []panel.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

type questions = Controller[[]panel.Record]

func newQuestions(t *testing.T, l Loader, s Subscriber, opts ...Option) *questions {
	t.Helper()
	c, err := New[[]panel.Record](l, s, reconcile.NewEngine(reconcile.WithCollection(panel.CollectionQuestions)), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func waitState(t *testing.T, c *questions, st State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == st }, 2*time.Second, 5*time.Millisecond, "want %s, have %s", st, c.State())
}

func waitConnected(t *testing.T, c *questions) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Current().Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestController_DiscardsSnapshotOfPreviousSession(t *testing.T) {
	fc, _ := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	require.Error(t, c.Start("s1"))
	require.NoError(t, c.Switch("s2"))

	l.release("s1", []panel.Record{q("s1", "old", 1)}, nil)
	require.Eventually(t, func() bool { return l.returnedCount("s1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cur := c.Current()
	require.Equal(t, "s2", cur.SessionID)
	require.Equal(t, StateLoading, cur.State)
	require.Empty(t, cur.View)

	l.release("s2", []panel.Record{q("s2", "fresh", 2)}, nil)
	waitState(t, c, StateActive)
	require.Equal(t, []string{"fresh"}, ids(c.Current().View))
}

func TestController_EndToEndNewQuestionMarker(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	st, err := store.NewNotifyingStore(store.NewInMemoryStore(), pub)
	require.NoError(t, err)
	clk := testclock.NewClock(time.Unix(0, 0))

	m, err := st.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "q1"})
	require.NoError(t, err)
	q1 := m.Record

	loader, err := snapshot.Questions(st)
	require.NoError(t, err)
	c := newQuestions(t, loader, fc, WithMarkers(markers.NewTracker(markers.WithClock(clk))))

	var mu sync.Mutex
	var versions []uint64
	cancel := c.Observe(func(u Update[[]panel.Record]) {
		mu.Lock()
		versions = append(versions, u.Version)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, c.Start("s1"))
	waitState(t, c, StateActive)
	require.True(t, c.Current().Connected)
	require.Equal(t, []string{q1.ID}, ids(c.Current().View))

	m, err = st.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "q2"})
	require.NoError(t, err)
	q2 := m.Record
	require.Eventually(t, func() bool { return len(c.Current().View) == 2 }, 2*time.Second, 5*time.Millisecond)

	cur := c.Current()
	require.Equal(t, []string{q2.ID, q1.ID}, ids(cur.View))
	require.Equal(t, []string{q2.ID}, cur.New)

	require.NoError(t, clk.WaitAdvance(9*time.Second, time.Second, 1))
	require.Never(t, func() bool { return len(c.Current().New) == 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, []string{q2.ID}, c.Current().New)

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return len(c.Current().New) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, c.Current().View, 2)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}
}

type closingSubscriber struct {
	ch chan *message.Message
}

func (s *closingSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *closingSubscriber) Close() error { return nil }

type singleSource struct {
	sub message.Subscriber
}

func (s singleSource) NewSubscriber(context.Context) (message.Subscriber, bool, error) {
	return s.sub, false, nil
}

func TestController_FeedErrorKeepsData(t *testing.T) {
	sub := &closingSubscriber{ch: make(chan *message.Message)}
	fc, err := feed.NewClient(singleSource{sub: sub})
	require.NoError(t, err)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	l.release("s1", []panel.Record{q("s1", "a", 1), q("s1", "b", 2)}, nil)
	waitState(t, c, StateActive)
	waitConnected(t, c)

	close(sub.ch)
	require.Eventually(t, func() bool { return !c.Current().Connected }, 2*time.Second, 5*time.Millisecond)

	cur := c.Current()
	require.Equal(t, StateActive, cur.State)
	require.True(t, cur.Stale)
	require.True(t, panel.IsSubscriptionError(cur.Err))
	require.Equal(t, []string{"b", "a"}, ids(cur.View))
}

func TestController_SnapshotFailureThenRetry(t *testing.T) {
	fc, _ := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.Error(t, c.Retry())
	require.NoError(t, c.Start("s1"))
	l.release("s1", nil, errors.New("permission denied"))
	waitState(t, c, StateFailed)

	cur := c.Current()
	require.True(t, panel.IsFetchError(cur.Err))
	require.Empty(t, cur.View)
	require.Error(t, c.Refresh())

	require.NoError(t, c.Retry())
	l.release("s1", []panel.Record{q("s1", "a", 1)}, nil)
	waitState(t, c, StateActive)
	cur = c.Current()
	require.NoError(t, cur.Err)
	require.Equal(t, []string{"a"}, ids(cur.View))
}

func TestController_AppliesBufferedEventsOnTopOfSnapshot(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	waitConnected(t, c)
	require.Equal(t, StateLoading, c.State())

	answered := q("s1", "q1", 1)
	answered.Answered = true
	answered.UpdatedAt = time.UnixMilli(50).UTC()
	require.NoError(t, pub.Publish(ctx, panel.Inserted(panel.CollectionQuestions, q("s1", "q2", 2))))
	require.NoError(t, pub.Publish(ctx, panel.Updated(panel.CollectionQuestions, answered)))
	require.NoError(t, pub.Publish(ctx, panel.Deleted(panel.CollectionQuestions, "s1", "q3")))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.buffer) == 3
	}, 2*time.Second, 5*time.Millisecond)

	l.release("s1", []panel.Record{q("s1", "q3", 3), q("s1", "q1", 1)}, nil)
	waitState(t, c, StateActive)

	cur := c.Current()
	require.Equal(t, []string{"q2", "q1"}, ids(cur.View))
	require.True(t, cur.View[1].Answered)
	require.Equal(t, []string{"q2"}, cur.New)
	require.Equal(t, []string{"q1"}, cur.Updated)
}

// orderDependentEvents yields a different final state when any two of them are swapped.
func orderDependentEvents() []panel.ChangeEvent {
	v1 := q("s1", "x", 5)
	v1.Content = "first edit"
	v1.UpdatedAt = time.UnixMilli(50).UTC()
	v2 := v1
	v2.Content = "second edit"
	return []panel.ChangeEvent{
		panel.Inserted(panel.CollectionQuestions, q("s1", "gone", 4)),
		panel.Deleted(panel.CollectionQuestions, "s1", "gone"),
		panel.Updated(panel.CollectionQuestions, v1),
		panel.Updated(panel.CollectionQuestions, v2),
	}
}

func requireOrderedOutcome(t *testing.T, c *questions) {
	t.Helper()
	cur := c.Current()
	require.Equal(t, []string{"x", "a"}, ids(cur.View))
	require.Equal(t, "second edit", cur.View[0].Content)
}

func TestController_ReplaysBufferedEventsInOrder(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	waitConnected(t, c)
	evs := orderDependentEvents()
	for _, ev := range evs {
		require.NoError(t, pub.Publish(ctx, ev))
	}
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.buffer) == len(evs)
	}, 2*time.Second, 5*time.Millisecond)

	l.release("s1", []panel.Record{q("s1", "a", 1)}, nil)
	waitState(t, c, StateActive)
	requireOrderedOutcome(t, c)
}

func TestController_AppliesLiveEventsInOrder(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	l.release("s1", []panel.Record{q("s1", "a", 1)}, nil)
	waitState(t, c, StateActive)
	waitConnected(t, c)

	for _, ev := range orderDependentEvents() {
		require.NoError(t, pub.Publish(ctx, ev))
	}
	require.Eventually(t, func() bool {
		cur := c.Current()
		return len(cur.View) == 2 && cur.View[0].Content == "second edit"
	}, 2*time.Second, 5*time.Millisecond)
	requireOrderedOutcome(t, c)
}

func TestController_InsertThenDeleteLeavesNoGhosts(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	st, err := store.NewNotifyingStore(store.NewInMemoryStore(), pub)
	require.NoError(t, err)
	loader, err := snapshot.Questions(st)
	require.NoError(t, err)
	c := newQuestions(t, loader, fc)

	require.NoError(t, c.Start("s1"))
	waitState(t, c, StateActive)
	waitConnected(t, c)

	for i := 0; i < 300; i++ {
		m, err := st.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "short-lived"})
		require.NoError(t, err)
		_, err = st.Delete(ctx, panel.CollectionQuestions, "s1", m.Record.ID)
		require.NoError(t, err)
	}
	m, err := st.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "last"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return slices.Contains(ids(c.Current().View), m.Record.ID)
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{m.Record.ID}, ids(c.Current().View))

	rows, err := st.Query(ctx, panel.CollectionQuestions, store.Filter{SessionID: "s1"}, store.OrderCreatedDesc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestController_StopIsSynchronousAndIdempotent(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	l := newGatedLoader()
	c := newQuestions(t, l, fc)

	require.NoError(t, c.Start("s1"))
	l.release("s1", nil, nil)
	waitState(t, c, StateActive)
	waitConnected(t, c)

	c.Stop()
	c.Stop()
	require.Equal(t, StateIdle, c.State())
	require.Zero(t, fc.Count())

	require.NoError(t, pub.Publish(ctx, panel.Inserted(panel.CollectionQuestions, q("s1", "late", 1))))
	time.Sleep(20 * time.Millisecond)
	cur := c.Current()
	require.Empty(t, cur.View)
	require.Empty(t, cur.SessionID)
}

func TestController_PollsWithAggregator(t *testing.T) {
	ctx := context.Background()
	fc, pub := newLocalFeed(t)
	st, err := store.NewNotifyingStore(store.NewInMemoryStore(), pub)
	require.NoError(t, err)

	m, err := st.Insert(ctx, panel.CollectionPolls, panel.Record{
		SessionID: "s1",
		Content:   "Lunch?",
		Active:    true,
		Options:   []panel.PollOption{{ID: "pizza", Label: "Pizza"}, {ID: "soup", Label: "Soup"}},
	})
	require.NoError(t, err)
	poll := m.Record

	loader, err := snapshot.Polls(st)
	require.NoError(t, err)
	agg := votes.NewAggregator(votes.WithWriter(st))
	c, err := New[[]votes.Tally](loader, fc, agg, WithName("polls"))
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.NoError(t, c.Start("s1"))
	require.Eventually(t, func() bool { return c.State() == StateActive && c.Current().Connected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, agg.RecordVote(ctx, poll.ID, "soup", "u1"))
	require.NoError(t, agg.RecordVote(ctx, poll.ID, "pizza", "u2"))
	agg.Wait()

	require.Eventually(t, func() bool {
		v := c.Current().View
		return len(v) == 1 && v[0].Total == 2
	}, 2*time.Second, 5*time.Millisecond)
	tally := c.Current().View[0]
	require.Equal(t, "pizza", tally.Options[0].ID)
	require.Equal(t, 1, tally.Options[0].Count)
	require.Equal(t, 1, tally.Options[1].Count)
}

type flakyPinger struct {
	mu  sync.Mutex
	err error
}

func (p *flakyPinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *flakyPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestController_ResyncsAfterFeedRecovers(t *testing.T) {
	tr, err := redisstream.BuildTransport(redisstream.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	clk := testclock.NewClock(time.Unix(0, 0))
	pinger := &flakyPinger{}
	fc, err := feed.NewClient(tr, feed.WithClock(clk), feed.WithHealthCheck(pinger, time.Second))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fc.Run(ctx) }()

	l := newGatedLoader()
	c := newQuestions(t, l, fc)
	require.NoError(t, c.Start("s1"))
	l.release("s1", []panel.Record{q("s1", "a", 1)}, nil)
	waitState(t, c, StateActive)
	waitConnected(t, c)

	pinger.set(errors.New("redis: connection refused"))
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		cur := c.Current()
		return cur.Stale && !cur.Connected && cur.State == StateActive
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, ids(c.Current().View))

	pinger.set(nil)
	l.release("s1", []panel.Record{q("s1", "b", 2), q("s1", "a", 1)}, nil)
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		cur := c.Current()
		return cur.State == StateActive && !cur.Stale && cur.Connected && len(cur.View) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Current().Err)
}
