package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// Notifier publishes change events to feed subscribers.
type Notifier interface {
	Publish(ctx context.Context, ev panel.ChangeEvent) error
}

// NotifyingStore publishes a change event after every successful write, so every
// subscriber (including the writer) learns about it through the feed. Writes and their
// notifications are serialized, so the feed carries mutations in commit order.
type NotifyingStore struct {
	Store
	notifier Notifier
	mu       sync.Mutex
}

func NewNotifyingStore(s Store, n Notifier) (*NotifyingStore, error) {
	if s == nil {
		return nil, errors.New("notifying store: store is nil")
	}
	if n == nil {
		return nil, errors.New("notifying store: notifier is nil")
	}
	return &NotifyingStore{Store: s, notifier: n}, nil
}

func (s *NotifyingStore) Insert(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Store.Insert(ctx, collection, rec)
	if err != nil {
		return m, err
	}
	s.publish(ctx, m)
	return m, nil
}

func (s *NotifyingStore) Update(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Store.Update(ctx, collection, rec)
	if err != nil {
		return m, err
	}
	s.publish(ctx, m)
	return m, nil
}

func (s *NotifyingStore) Delete(ctx context.Context, collection, sessionID, id string) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Store.Delete(ctx, collection, sessionID, id)
	if err != nil {
		return m, err
	}
	s.publish(ctx, m)
	return m, nil
}

// publish never fails the write: the row is persisted and the next snapshot load will
// include it even if this notification is lost.
func (s *NotifyingStore) publish(ctx context.Context, m Mutation) {
	if m.Noop {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev := m.Event()
	if err := s.notifier.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("component", "store").
			Str("session_id", ev.SessionID).
			Str("collection", ev.Collection).
			Str("id", ev.ID).
			Msg("publish change event failed")
	}
}
