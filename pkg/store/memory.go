package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// InMemoryStore is a map-backed Store. It mirrors the ordering and upsert semantics of
// the SQLite store so tests and single-process deployments behave the same way.
type InMemoryStore struct {
	mu  sync.Mutex
	seq uint64
	// collection -> session -> id
	rows map[string]map[string]map[string]*memRow
	now  func() time.Time
	// failQuery, when set, is returned by every Query; used to simulate an unreachable store.
	failQuery error
}

type memRow struct {
	rec panel.Record
	seq uint64
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows: map[string]map[string]map[string]*memRow{},
		now:  time.Now,
	}
}

func (s *InMemoryStore) Close() error { return nil }

// SetQueryError makes subsequent queries fail with err until it is reset with nil.
func (s *InMemoryStore) SetQueryError(err error) {
	s.mu.Lock()
	s.failQuery = err
	s.mu.Unlock()
}

func (s *InMemoryStore) session(collection, sessionID string, create bool) map[string]*memRow {
	bySession := s.rows[collection]
	if bySession == nil {
		if !create {
			return nil
		}
		bySession = map[string]map[string]*memRow{}
		s.rows[collection] = bySession
	}
	rows := bySession[sessionID]
	if rows == nil && create {
		rows = map[string]*memRow{}
		bySession[sessionID] = rows
	}
	return rows
}

func (s *InMemoryStore) Query(ctx context.Context, collection string, filter Filter, order Order) ([]panel.Record, error) {
	if s == nil {
		return nil, errors.New("in-memory store: nil store")
	}
	if err := validateCollection(collection); err != nil {
		return nil, errors.Wrap(err, "in-memory store")
	}
	if filter.SessionID == "" {
		return nil, errors.New("in-memory store: session_id filter is empty")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failQuery != nil {
		return nil, s.failQuery
	}

	rows := s.session(collection, filter.SessionID, false)
	picked := make([]*memRow, 0, len(rows))
	for _, r := range rows {
		if filter.PollID != "" && r.rec.PollID != filter.PollID {
			continue
		}
		picked = append(picked, r)
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			if order == OrderCreatedAsc {
				return a.rec.CreatedAt.Before(b.rec.CreatedAt)
			}
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		if order == OrderCreatedAsc {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})

	out := make([]panel.Record, 0, len(picked))
	for _, r := range picked {
		out = append(out, r.rec.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Get(ctx context.Context, collection, sessionID, id string) (panel.Record, error) {
	if s == nil {
		return panel.Record{}, errors.New("in-memory store: nil store")
	}
	if err := validateCollection(collection); err != nil {
		return panel.Record{}, errors.Wrap(err, "in-memory store")
	}
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.session(collection, sessionID, false)[id]
	if !ok {
		return panel.Record{}, &panel.NotFoundError{Collection: collection, ID: id}
	}
	return r.rec.Clone(), nil
}

func (s *InMemoryStore) Insert(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	if s == nil {
		return Mutation{}, errors.New("in-memory store: nil store")
	}
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, err := prepareInsert(collection, rec, now)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "in-memory store: insert"))
	}
	if collection == panel.CollectionPollVotes {
		poll, ok := s.session(panel.CollectionPolls, rec.SessionID, false)[rec.PollID]
		if !ok {
			return Mutation{}, &panel.NotFoundError{Collection: panel.CollectionPolls, ID: rec.PollID}
		}
		if err := checkVote(poll.rec, rec); err != nil {
			return Mutation{}, writeErr(collection, err)
		}
		if rec.VoterID != "" {
			for _, existing := range s.session(collection, rec.SessionID, false) {
				if existing.rec.PollID != rec.PollID || existing.rec.VoterID != rec.VoterID {
					continue
				}
				if existing.rec.OptionID == rec.OptionID {
					return Mutation{Type: panel.EventUpdated, Collection: collection, Record: existing.rec.Clone(), Noop: true}, nil
				}
				updated := existing.rec.Clone()
				updated.OptionID = rec.OptionID
				updated.UpdatedAt = now.UTC().Truncate(time.Millisecond)
				existing.rec = updated
				return Mutation{Type: panel.EventUpdated, Collection: collection, Record: updated.Clone()}, nil
			}
		}
	}

	rows := s.session(collection, rec.SessionID, true)
	if _, exists := rows[rec.ID]; exists {
		return Mutation{}, &panel.WriteError{Collection: collection, Err: errors.Errorf("in-memory store: id %q already exists", rec.ID)}
	}
	s.seq++
	rows[rec.ID] = &memRow{rec: rec, seq: s.seq}
	return Mutation{Type: panel.EventInserted, Collection: collection, Record: rec.Clone()}, nil
}

func (s *InMemoryStore) Update(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	if s == nil {
		return Mutation{}, errors.New("in-memory store: nil store")
	}
	if err := validateCollection(collection); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "in-memory store: update"))
	}
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.session(collection, rec.SessionID, false)[rec.ID]
	if !ok {
		return Mutation{}, &panel.NotFoundError{Collection: collection, ID: rec.ID}
	}
	existing.rec = mergeUpdate(existing.rec, rec, s.now())
	return Mutation{Type: panel.EventUpdated, Collection: collection, Record: existing.rec.Clone()}, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, collection, sessionID, id string) (Mutation, error) {
	if s == nil {
		return Mutation{}, errors.New("in-memory store: nil store")
	}
	if err := validateCollection(collection); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "in-memory store: delete"))
	}
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.session(collection, sessionID, false)
	existing, ok := rows[id]
	if !ok {
		return Mutation{}, &panel.NotFoundError{Collection: collection, ID: id}
	}
	delete(rows, id)
	if collection == panel.CollectionPolls {
		votes := s.session(panel.CollectionPollVotes, sessionID, false)
		for vid, v := range votes {
			if v.rec.PollID == id {
				delete(votes, vid)
			}
		}
	}
	return Mutation{Type: panel.EventDeleted, Collection: collection, Record: existing.rec.Clone()}, nil
}
