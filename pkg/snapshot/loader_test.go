package snapshot

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/store"
)

type leakyReader struct {
	store.Reader
}

func (r leakyReader) Query(ctx context.Context, collection string, f store.Filter, o store.Order) ([]panel.Record, error) {
	recs, err := r.Reader.Query(ctx, collection, f, o)
	if err != nil {
		return nil, err
	}
	return append(recs, panel.Record{ID: "foreign", SessionID: "elsewhere"}), nil
}

func seed(t *testing.T) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	for _, content := range []string{"first", "second"} {
		_, err := s.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s1", Content: content})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, panel.CollectionQuestions, panel.Record{SessionID: "s2", Content: "other"})
	require.NoError(t, err)

	m, err := s.Insert(ctx, panel.CollectionPolls, panel.Record{
		SessionID: "s1",
		Content:   "Best option?",
		Active:    true,
		Options:   []panel.PollOption{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
	})
	require.NoError(t, err)
	_, err = s.Insert(ctx, panel.CollectionPollVotes, panel.Record{SessionID: "s1", PollID: m.Record.ID, OptionID: "a", VoterID: "u1"})
	require.NoError(t, err)
	return s
}

func TestLoader_QuestionsNewestFirst(t *testing.T) {
	l, err := Questions(seed(t))
	require.NoError(t, err)

	recs, err := l.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "second", recs[0].Content)
	require.Equal(t, "first", recs[1].Content)
}

func TestLoader_MultipleCollectionsInDeclarationOrder(t *testing.T) {
	l, err := Polls(seed(t))
	require.NoError(t, err)
	require.Equal(t, []string{panel.CollectionPolls, panel.CollectionPollVotes}, l.Collections())

	recs, err := l.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Len(t, recs[0].Options, 2)
	require.Equal(t, "u1", recs[1].VoterID)
	require.Equal(t, recs[0].ID, recs[1].PollID)
}

func TestLoader_FailureIsAllOrNothing(t *testing.T) {
	s := seed(t)
	s.SetQueryError(errors.New("connection refused"))
	l, err := Polls(s)
	require.NoError(t, err)

	recs, err := l.Load(context.Background(), "s1")
	require.Error(t, err)
	require.Nil(t, recs)
	require.True(t, panel.IsFetchError(err))
	require.Contains(t, err.Error(), "connection refused")
}

func TestLoader_RejectsForeignRecords(t *testing.T) {
	l, err := Questions(leakyReader{Reader: seed(t)})
	require.NoError(t, err)

	recs, err := l.Load(context.Background(), "s1")
	require.Nil(t, recs)
	require.True(t, panel.IsFetchError(err))
}

func TestLoader_Validation(t *testing.T) {
	_, err := NewLoader(nil, []Source{{Collection: panel.CollectionQuestions}})
	require.Error(t, err)
	_, err = NewLoader(store.NewInMemoryStore(), nil)
	require.Error(t, err)
	_, err = NewLoader(store.NewInMemoryStore(), []Source{{Collection: "comments"}})
	require.Error(t, err)

	l, err := Questions(store.NewInMemoryStore())
	require.NoError(t, err)
	_, err = l.Load(context.Background(), " ")
	require.True(t, panel.IsFetchError(err))
}
