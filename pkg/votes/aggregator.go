// Package votes keeps live poll tallies for one session and submits votes.
package votes

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/reconcile"
	"github.com/go-go-golems/panelfeed/pkg/store"
)

type OptionCount struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

type Tally struct {
	PollID   string        `json:"poll_id"`
	Question string        `json:"question"`
	Active   bool          `json:"active"`
	Total    int           `json:"total"`
	Options  []OptionCount `json:"options"`
}

type vote struct {
	pollID   string
	optionID string
	key      string
}

// dedupKey identifies one ballot: (poll, option, voter) when the voter is known, else
// the vote record id.
func dedupKey(r panel.Record) string {
	if r.VoterID != "" {
		return r.PollID + "\x00" + r.OptionID + "\x00" + r.VoterID
	}
	return "id\x00" + r.ID
}

// Aggregator reconciles the polls and poll_votes collections of one session. Apply and
// RecordVote may run on different goroutines.
type Aggregator struct {
	mu        sync.Mutex
	sessionID string
	polls     map[string]panel.Record
	votes     map[string]vote   // vote record id
	keys      map[string]string // dedup key -> vote record id

	writer       store.Writer
	onWriteError func(error)
	metrics      *metrics.Metrics
	inflight     sync.WaitGroup
}

type Option func(*Aggregator)

func WithWriter(w store.Writer) Option {
	return func(a *Aggregator) { a.writer = w }
}

// OnWriteError registers the callback that receives asynchronous vote write failures.
func OnWriteError(fn func(error)) Option {
	return func(a *Aggregator) { a.onWriteError = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{}
	a.resetLocked("")
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) resetLocked(sessionID string) {
	a.sessionID = sessionID
	a.polls = map[string]panel.Record{}
	a.votes = map[string]vote{}
	a.keys = map[string]string{}
}

func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked(sessionID)
}

func (a *Aggregator) ApplySnapshot(records []panel.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked(a.sessionID)
	for _, r := range records {
		if a.sessionID != "" && r.SessionID != a.sessionID {
			continue
		}
		if r.PollID != "" {
			a.applyVote(r)
		} else if _, dup := a.polls[r.ID]; !dup && r.ID != "" {
			a.polls[r.ID] = r.Clone()
		}
	}
}

func (a *Aggregator) Apply(ev panel.ChangeEvent) reconcile.Outcome {
	id := ev.RecordID()
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Validate() != nil || (a.sessionID != "" && ev.SessionID != a.sessionID) {
		return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, ID: id}
	}

	switch ev.Collection {
	case panel.CollectionPolls:
		if ev.Type == panel.EventDeleted {
			return a.deletePoll(id)
		}
		return a.upsertPoll(*ev.Record)
	case panel.CollectionPollVotes:
		if ev.Type == panel.EventDeleted {
			return a.deleteVote(id)
		}
		return a.applyVote(*ev.Record)
	}
	return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, ID: id}
}

func (a *Aggregator) upsertPoll(r panel.Record) reconcile.Outcome {
	prev, ok := a.polls[r.ID]
	if ok && prev.Equal(r) {
		return reconcile.Outcome{Kind: reconcile.OutcomeUpdated, ID: r.ID}
	}
	a.polls[r.ID] = r.Clone()
	if ok {
		return reconcile.Outcome{Kind: reconcile.OutcomeUpdated, ID: r.ID, Changed: true}
	}
	return reconcile.Outcome{Kind: reconcile.OutcomeInserted, ID: r.ID, Changed: true}
}

func (a *Aggregator) deletePoll(id string) reconcile.Outcome {
	if _, ok := a.polls[id]; !ok {
		return reconcile.Outcome{Kind: reconcile.OutcomeDeleted, ID: id}
	}
	delete(a.polls, id)
	for vid, v := range a.votes {
		if v.pollID == id {
			a.dropVote(vid)
		}
	}
	return reconcile.Outcome{Kind: reconcile.OutcomeDeleted, ID: id, Changed: true}
}

// applyVote counts a vote record. A known record id moves its ballot; a ballot already
// counted under another record id is a duplicate and ignored.
func (a *Aggregator) applyVote(r panel.Record) reconcile.Outcome {
	key := dedupKey(r)
	if prev, ok := a.votes[r.ID]; ok {
		if prev.key == key {
			return reconcile.Outcome{Kind: reconcile.OutcomeUpdated, ID: r.ID}
		}
		if other, taken := a.keys[key]; taken && other != r.ID {
			return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, ID: r.ID}
		}
		a.dropVote(r.ID)
		a.addVote(r, key)
		return reconcile.Outcome{Kind: reconcile.OutcomeUpdated, ID: r.ID, Changed: true}
	}
	if _, taken := a.keys[key]; taken {
		return reconcile.Outcome{Kind: reconcile.OutcomeIgnored, ID: r.ID}
	}
	a.addVote(r, key)
	return reconcile.Outcome{Kind: reconcile.OutcomeInserted, ID: r.ID, Changed: true}
}

func (a *Aggregator) addVote(r panel.Record, key string) {
	a.votes[r.ID] = vote{pollID: r.PollID, optionID: r.OptionID, key: key}
	a.keys[key] = r.ID
}

func (a *Aggregator) dropVote(id string) {
	if v, ok := a.votes[id]; ok {
		delete(a.keys, v.key)
		delete(a.votes, id)
	}
}

func (a *Aggregator) deleteVote(id string) reconcile.Outcome {
	if _, ok := a.votes[id]; !ok {
		return reconcile.Outcome{Kind: reconcile.OutcomeDeleted, ID: id}
	}
	a.dropVote(id)
	return reconcile.Outcome{Kind: reconcile.OutcomeDeleted, ID: id, Changed: true}
}

// Tally counts the ballots of pollID over its declared options, in declaration order.
func (a *Aggregator) Tally(pollID string) (Tally, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	poll, ok := a.polls[pollID]
	if !ok {
		return Tally{}, &panel.NotFoundError{Collection: panel.CollectionPolls, ID: pollID}
	}
	return a.tallyLocked(poll), nil
}

func (a *Aggregator) tallyLocked(poll panel.Record) Tally {
	counts := map[string]int{}
	for _, v := range a.votes {
		if v.pollID == poll.ID {
			counts[v.optionID]++
		}
	}
	t := Tally{PollID: poll.ID, Question: poll.Content, Active: poll.Active, Options: make([]OptionCount, len(poll.Options))}
	for i, o := range poll.Options {
		t.Options[i] = OptionCount{ID: o.ID, Label: o.Label, Count: counts[o.ID]}
		t.Total += counts[o.ID]
	}
	if t.Total > 0 {
		for i := range t.Options {
			t.Options[i].Percent = float64(t.Options[i].Count) * 100 / float64(t.Total)
		}
	}
	return t
}

// View returns the tallies of every known poll, newest poll first.
func (a *Aggregator) View() []Tally {
	a.mu.Lock()
	defer a.mu.Unlock()
	polls := make([]panel.Record, 0, len(a.polls))
	for _, p := range a.polls {
		polls = append(polls, p)
	}
	sort.Slice(polls, func(i, j int) bool {
		if c := polls[i].CreatedAt.Compare(polls[j].CreatedAt); c != 0 {
			return c > 0
		}
		return polls[i].ID < polls[j].ID
	})
	out := make([]Tally, len(polls))
	for i, p := range polls {
		out[i] = a.tallyLocked(p)
	}
	return out
}

// RecordVote validates the ballot against the known polls and writes it in the
// background. Write failures reach the OnWriteError callback as *panel.WriteError; the
// counted vote arrives later through the change feed.
func (a *Aggregator) RecordVote(ctx context.Context, pollID, optionID, voterID string) error {
	a.mu.Lock()
	sessionID := a.sessionID
	poll, ok := a.polls[pollID]
	a.mu.Unlock()

	if !ok {
		a.metrics.VoteRejected("unknown_poll")
		return &panel.NotFoundError{Collection: panel.CollectionPolls, ID: pollID}
	}
	declared := false
	for _, o := range poll.Options {
		if o.ID == optionID {
			declared = true
			break
		}
	}
	if !declared {
		a.metrics.VoteRejected("unknown_option")
		return &panel.NotFoundError{Collection: "poll option", ID: optionID}
	}
	if !poll.Active {
		a.metrics.VoteRejected("closed")
		return &panel.WriteError{Collection: panel.CollectionPollVotes, Err: errors.Errorf("poll %q is closed", pollID)}
	}
	if a.writer == nil {
		return &panel.WriteError{Collection: panel.CollectionPollVotes, Err: errors.New("aggregator has no writer")}
	}

	rec := panel.Record{
		SessionID: sessionID,
		PollID:    pollID,
		OptionID:  optionID,
		VoterID:   strings.TrimSpace(voterID),
	}
	wctx := context.WithoutCancel(ctx)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		if _, err := a.writer.Insert(wctx, panel.CollectionPollVotes, rec); err != nil {
			if !panel.IsWriteError(err) {
				err = &panel.WriteError{Collection: panel.CollectionPollVotes, Err: err}
			}
			a.metrics.VoteRejected("write_failed")
			log.Warn().Err(err).Str("component", "votes").Str("session_id", sessionID).Str("poll_id", pollID).Msg("vote write failed")
			if a.onWriteError != nil {
				a.onWriteError(err)
			}
		}
	}()
	return nil
}

// Wait blocks until every vote submitted so far has been written or failed.
func (a *Aggregator) Wait() {
	a.inflight.Wait()
}
