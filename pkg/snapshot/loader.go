// Package snapshot loads the initial state of a session from the row store.
package snapshot

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/store"
)

// Source is one collection a loader reads.
type Source struct {
	Collection string
	Order      store.Order
}

type Loader struct {
	reader  store.Reader
	sources []Source
	metrics *metrics.Metrics
}

type Option func(*Loader)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

func NewLoader(reader store.Reader, sources []Source, opts ...Option) (*Loader, error) {
	if reader == nil {
		return nil, errors.New("snapshot loader: reader is nil")
	}
	if len(sources) == 0 {
		return nil, errors.New("snapshot loader: no collections")
	}
	for _, s := range sources {
		if !panel.KnownCollection(s.Collection) {
			return nil, errors.Errorf("snapshot loader: unknown collection %q", s.Collection)
		}
	}
	l := &Loader{reader: reader, sources: append([]Source(nil), sources...)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Questions loads the questions collection newest first.
func Questions(reader store.Reader, opts ...Option) (*Loader, error) {
	return NewLoader(reader, []Source{{Collection: panel.CollectionQuestions, Order: store.OrderCreatedDesc}}, opts...)
}

// Polls loads polls newest first followed by their votes in cast order.
func Polls(reader store.Reader, opts ...Option) (*Loader, error) {
	return NewLoader(reader, []Source{
		{Collection: panel.CollectionPolls, Order: store.OrderCreatedDesc},
		{Collection: panel.CollectionPollVotes, Order: store.OrderCreatedAsc},
	}, opts...)
}

func (l *Loader) Collections() []string {
	out := make([]string, len(l.sources))
	for i, s := range l.sources {
		out[i] = s.Collection
	}
	return out
}

// Load returns every record of the session. It is all-or-nothing: any failed query or
// any record of another session yields a *panel.FetchError and no records.
func (l *Loader) Load(ctx context.Context, sessionID string) ([]panel.Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &panel.FetchError{SessionID: sessionID, Err: errors.New("session id is empty")}
	}

	parts := make([][]panel.Record, len(l.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range l.sources {
		g.Go(func() error {
			recs, err := l.reader.Query(gctx, src.Collection, store.Filter{SessionID: sessionID}, src.Order)
			if err != nil {
				return &panel.FetchError{SessionID: sessionID, Collection: src.Collection, Err: err}
			}
			for _, r := range recs {
				if r.SessionID != sessionID {
					return &panel.FetchError{
						SessionID:  sessionID,
						Collection: src.Collection,
						Err:        errors.Errorf("record %s belongs to session %s", r.ID, r.SessionID),
					}
				}
			}
			parts[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.metrics.SnapshotLoaded("error")
		log.Warn().Err(err).Str("component", "snapshot").Str("session_id", sessionID).Msg("snapshot load failed")
		return nil, err
	}

	var out []panel.Record
	for _, p := range parts {
		out = append(out, p...)
	}
	l.metrics.SnapshotLoaded("ok")
	log.Debug().Str("component", "snapshot").Str("session_id", sessionID).Int("records", len(out)).Msg("snapshot loaded")
	return out, nil
}
