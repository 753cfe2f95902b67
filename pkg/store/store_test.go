package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func TestStore_QueryOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.UnixMilli(1_700_000_000_000).UTC()

		for _, q := range []panel.Record{
			{ID: "q1", SessionID: "s1", Content: "first", CreatedAt: t0},
			{ID: "q2", SessionID: "s1", Content: "second", CreatedAt: t0.Add(time.Second)},
			{ID: "q3", SessionID: "s1", Content: "tie", CreatedAt: t0.Add(time.Second)},
			{ID: "other", SessionID: "s2", Content: "elsewhere", CreatedAt: t0},
		} {
			m, err := s.Insert(ctx, panel.CollectionQuestions, q)
			require.NoError(t, err)
			require.Equal(t, panel.EventInserted, m.Type)
		}

		desc, err := s.Query(ctx, panel.CollectionQuestions, Filter{SessionID: "s1"}, OrderCreatedDesc)
		require.NoError(t, err)
		require.Equal(t, []string{"q3", "q2", "q1"}, ids(desc))
		require.True(t, desc[2].CreatedAt.Equal(t0))

		asc, err := s.Query(ctx, panel.CollectionQuestions, Filter{SessionID: "s1"}, OrderCreatedAsc)
		require.NoError(t, err)
		require.Equal(t, []string{"q1", "q2", "q3"}, ids(asc))

		_, err = s.Query(ctx, panel.CollectionQuestions, Filter{}, OrderCreatedDesc)
		require.Error(t, err)
		_, err = s.Query(ctx, "comments", Filter{SessionID: "s1"}, OrderCreatedDesc)
		require.Error(t, err)
	})
}

func TestStore_UpdateKeepsImmutableFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m, err := s.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "hello", AuthorName: "ana"})
		require.NoError(t, err)
		created := m.Record
		require.NotEmpty(t, created.ID)
		require.False(t, created.CreatedAt.IsZero())

		upd := created
		upd.Answered = true
		upd.CreatedAt = time.Time{}
		m, err = s.Update(ctx, panel.CollectionQuestions, upd)
		require.NoError(t, err)
		require.Equal(t, panel.EventUpdated, m.Type)
		require.True(t, m.Record.Answered)
		require.True(t, m.Record.CreatedAt.Equal(created.CreatedAt))
		require.False(t, m.Record.UpdatedAt.IsZero())

		got, err := s.Get(ctx, panel.CollectionQuestions, "s1", created.ID)
		require.NoError(t, err)
		require.True(t, got.Answered)

		_, err = s.Update(ctx, panel.CollectionQuestions, panel.Record{ID: "missing", SessionID: "s1", Content: "x"})
		require.True(t, panel.IsNotFound(err))
	})
}

func TestStore_DeletePollCascadesVotes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		poll := mustPoll(t, s, "s1")

		_, err := s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
		require.NoError(t, err)

		m, err := s.Delete(ctx, panel.CollectionPolls, "s1", poll.ID)
		require.NoError(t, err)
		require.Equal(t, panel.EventDeleted, m.Type)
		require.Equal(t, panel.EventDeleted, m.Event().Type)

		votes, err := s.Query(ctx, panel.CollectionPollVotes, Filter{SessionID: "s1", PollID: poll.ID}, OrderCreatedAsc)
		require.NoError(t, err)
		require.Empty(t, votes)

		_, err = s.Delete(ctx, panel.CollectionPolls, "s1", poll.ID)
		require.True(t, panel.IsNotFound(err))
	})
}

func TestStore_VoteUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		poll := mustPoll(t, s, "s1")

		_, err := s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: "nope", OptionID: "a", VoterID: "u1"})
		require.True(t, panel.IsNotFound(err))

		_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "zzz", VoterID: "u1"})
		require.Error(t, err)

		first, err := s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
		require.NoError(t, err)
		require.Equal(t, panel.EventInserted, first.Type)

		again, err := s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
		require.NoError(t, err)
		require.True(t, again.Noop)
		require.Equal(t, first.Record.ID, again.Record.ID)

		moved, err := s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "b", VoterID: "u1"})
		require.NoError(t, err)
		require.False(t, moved.Noop)
		require.Equal(t, panel.EventUpdated, moved.Type)
		require.Equal(t, first.Record.ID, moved.Record.ID)
		require.Equal(t, "b", moved.Record.OptionID)

		// anonymous voters are never merged
		_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a"})
		require.NoError(t, err)
		_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a"})
		require.NoError(t, err)

		votes, err := s.Query(ctx, panel.CollectionPollVotes, Filter{SessionID: "s1", PollID: poll.ID}, OrderCreatedAsc)
		require.NoError(t, err)
		require.Len(t, votes, 3)
	})
}

func TestStore_ClosedPollRejectsVotes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		poll := mustPoll(t, s, "s1")
		poll.Active = false
		_, err := s.Update(ctx, panel.CollectionPolls, poll)
		require.NoError(t, err)

		_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
		require.True(t, panel.IsWriteError(err))
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []panel.ChangeEvent
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, ev panel.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func TestNotifyingStore_PublishesMutations(t *testing.T) {
	n := &recordingNotifier{}
	s, err := NewNotifyingStore(NewInMemoryStore(), n)
	require.NoError(t, err)
	ctx := context.Background()

	poll := mustPoll(t, s, "s1")
	_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
	require.NoError(t, err)
	// repeated vote changes nothing and publishes nothing
	_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: poll.ID, OptionID: "a", VoterID: "u1"})
	require.NoError(t, err)
	_, err = s.Delete(ctx, panel.CollectionPolls, "s1", poll.ID)
	require.NoError(t, err)

	require.Len(t, n.events, 3)
	require.Equal(t, panel.EventInserted, n.events[0].Type)
	require.Equal(t, panel.CollectionPolls, n.events[0].Collection)
	require.Equal(t, panel.CollectionPollVotes, n.events[1].Collection)
	require.Equal(t, panel.EventDeleted, n.events[2].Type)
	require.Equal(t, poll.ID, n.events[2].ID)

	// a failing notifier does not fail the write
	n.err = errors.New("feed down")
	_, err = s.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: "still stored"})
	require.NoError(t, err)
}

func mustPoll(t *testing.T, s Writer, sessionID string) panel.Record {
	t.Helper()
	m, err := s.Insert(context.Background(), panel.CollectionPolls, panel.Record{
		SessionID: sessionID,
		Content:   "Best talk?",
		Active:    true,
		Options:   []panel.PollOption{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
	})
	require.NoError(t, err)
	return m.Record
}

func ids(recs []panel.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
