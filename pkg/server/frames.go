package server

import (
	"time"

	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/session"
	"github.com/go-go-golems/panelfeed/pkg/votes"
)

const (
	FrameQuestions = "questions"
	FramePolls     = "polls"
	FramePong      = "pong"
)

// FrameHeader is common to every websocket frame. Viewers drop a frame whose version is
// not newer than the last one of the same type.
type FrameHeader struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	State     string   `json:"state"`
	Connected bool     `json:"connected"`
	Stale     bool     `json:"stale"`
	Error     string   `json:"error,omitempty"`
	Version   uint64   `json:"version"`
	New       []string `json:"new"`
	Updated   []string `json:"updated"`
}

type QuestionView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Answered  bool      `json:"answered"`
	CreatedAt time.Time `json:"created_at"`
}

type QuestionsFrame struct {
	FrameHeader
	Questions []QuestionView `json:"questions"`
}

type PollsFrame struct {
	FrameHeader
	Polls []votes.Tally `json:"polls"`
}

func header[V any](typ string, u session.Update[V]) FrameHeader {
	h := FrameHeader{
		Type:      typ,
		SessionID: u.SessionID,
		State:     string(u.State),
		Connected: u.Connected,
		Stale:     u.Stale,
		Version:   u.Version,
		New:       u.New,
		Updated:   u.Updated,
	}
	if u.Err != nil {
		h.Error = u.Err.Error()
	}
	if h.New == nil {
		h.New = []string{}
	}
	if h.Updated == nil {
		h.Updated = []string{}
	}
	return h
}

func questionViews(recs []panel.Record) []QuestionView {
	out := make([]QuestionView, 0, len(recs))
	for _, r := range recs {
		out = append(out, QuestionView{
			ID:        r.ID,
			Content:   r.Content,
			Author:    r.DisplayAuthor(),
			Answered:  r.Answered,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func QuestionsFrameFrom(u session.Update[[]panel.Record]) QuestionsFrame {
	return QuestionsFrame{FrameHeader: header(FrameQuestions, u), Questions: questionViews(u.View)}
}

func PollsFrameFrom(u session.Update[[]votes.Tally]) PollsFrame {
	polls := u.View
	if polls == nil {
		polls = []votes.Tally{}
	}
	return PollsFrame{FrameHeader: header(FramePolls, u), Polls: polls}
}
