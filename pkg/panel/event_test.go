package panel

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestChangeEventValidate(t *testing.T) {
	rec := Record{ID: "q1", SessionID: "s1", CreatedAt: time.Unix(10, 0)}

	cases := []struct {
		name    string
		ev      ChangeEvent
		wantErr bool
	}{
		{name: "inserted", ev: Inserted(CollectionQuestions, rec)},
		{name: "updated", ev: Updated(CollectionQuestions, rec)},
		{name: "deleted", ev: Deleted(CollectionQuestions, "s1", "q1")},
		{name: "missing session", ev: ChangeEvent{Type: EventDeleted, Collection: CollectionQuestions, ID: "q1"}, wantErr: true},
		{name: "missing collection", ev: ChangeEvent{Type: EventDeleted, SessionID: "s1", ID: "q1"}, wantErr: true},
		{name: "insert without record", ev: ChangeEvent{Type: EventInserted, SessionID: "s1", Collection: CollectionQuestions, ID: "q1"}, wantErr: true},
		{name: "unknown type", ev: ChangeEvent{Type: "moved", SessionID: "s1", Collection: CollectionQuestions, ID: "q1"}, wantErr: true},
		{
			name:    "record from other session",
			ev:      ChangeEvent{Type: EventUpdated, SessionID: "s2", Collection: CollectionQuestions, ID: "q1", Record: &rec},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUnmarshalChangeEventFillsID(t *testing.T) {
	ev, err := UnmarshalChangeEvent([]byte(`{"type":"inserted","session_id":"s1","collection":"questions","record":{"id":"q9","session_id":"s1","content":"hello"}}`))
	require.NoError(t, err)
	require.Equal(t, "q9", ev.ID)
	require.Equal(t, "hello", ev.Record.Content)

	_, err = UnmarshalChangeEvent([]byte(`{"type":`))
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	err := errors.Wrap(&NotFoundError{Collection: CollectionPolls, ID: "p1"}, "record vote")
	require.True(t, IsNotFound(err))
	require.False(t, IsFetchError(err))

	fetch := &FetchError{SessionID: "s1", Err: errors.New("boom")}
	require.True(t, IsFetchError(fetch))
	require.Contains(t, fetch.Error(), "s1")
}
