package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/server"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

type WatchSettings struct {
	Server  string `glazed:"server"`
	Session string `glazed:"session"`
}

func NewWatchCommand() (*WatchCommand, error) {
	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Follow a session's questions and polls live"),
		cmds.WithFlags(
			fields.New("server", fields.TypeString, fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the panelfeed server")),
			fields.New("session", fields.TypeString, fields.WithRequired(true), fields.WithShortFlag("s"),
				fields.WithHelp("Session id")),
		),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

// watchView keeps the newest frame of each type received from the server.
type watchView struct {
	questions *server.QuestionsFrame
	polls     *server.PollsFrame
}

// apply decodes a frame and reports whether the view changed. Frames that are not newer
// than the last frame of the same type are dropped.
func (v *watchView) apply(data []byte) (bool, error) {
	var h server.FrameHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return false, errors.Wrap(err, "decode frame")
	}
	switch h.Type {
	case server.FrameQuestions:
		if v.questions != nil && h.Version <= v.questions.Version {
			return false, nil
		}
		var f server.QuestionsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return false, errors.Wrap(err, "decode questions frame")
		}
		v.questions = &f
		return true, nil
	case server.FramePolls:
		if v.polls != nil && h.Version <= v.polls.Version {
			return false, nil
		}
		var f server.PollsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return false, errors.Wrap(err, "decode polls frame")
		}
		v.polls = &f
		return true, nil
	}
	return false, nil
}

func status(h server.FrameHeader) string {
	parts := []string{h.State}
	if !h.Connected {
		parts = append(parts, "offline")
	}
	if h.Stale {
		parts = append(parts, "stale")
	}
	if h.Error != "" {
		parts = append(parts, "error: "+h.Error)
	}
	return strings.Join(parts, ", ")
}

func (v *watchView) render(w io.Writer) {
	if v.questions != nil {
		q := v.questions
		_, _ = fmt.Fprintf(w, "Questions [%s]\n", status(q.FrameHeader))
		if len(q.Questions) == 0 {
			_, _ = fmt.Fprintln(w, "  (none yet)")
		}
		for _, item := range q.Questions {
			mark := " "
			switch {
			case slices.Contains(q.New, item.ID):
				mark = "+"
			case slices.Contains(q.Updated, item.ID):
				mark = "~"
			}
			check := "[ ]"
			if item.Answered {
				check = "[x]"
			}
			author := item.Author
			if author == "" {
				author = "anonymous"
			}
			_, _ = fmt.Fprintf(w, "%s %s %s (%s)\n", mark, check, item.Content, author)
		}
	}
	if v.polls != nil {
		p := v.polls
		if v.questions != nil {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = fmt.Fprintf(w, "Polls [%s]\n", status(p.FrameHeader))
		for _, t := range p.Polls {
			state := "open"
			if !t.Active {
				state = "closed"
			}
			_, _ = fmt.Fprintf(w, "  %s (%s, %d votes)\n", t.Question, state, t.Total)
			for _, o := range t.Options {
				_, _ = fmt.Fprintf(w, "    %-20s %4d %5.1f%%\n", o.Label, o.Count, o.Percent)
			}
		}
	}
}

func (c *WatchCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &WatchSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	client, err := newAPIClient(s.Server)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, client.wsURL(s.Session), nil)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer func() { _ = conn.Close() }()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	redraw := isatty.IsTerminal(os.Stdout.Fd())
	view := &watchView{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		changed, err := view.apply(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "watch").Msg("skipping frame")
			continue
		}
		if !changed {
			continue
		}
		if redraw {
			_, _ = io.WriteString(w, "\033[H\033[2J")
		} else {
			_, _ = fmt.Fprintln(w, "---")
		}
		view.render(w)
	}
}

var _ cmds.WriterCommand = &WatchCommand{}
