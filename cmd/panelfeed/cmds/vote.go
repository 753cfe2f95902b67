package cmds

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
)

type VoteCommand struct {
	*cmds.CommandDescription
}

type VoteSettings struct {
	Server  string `glazed:"server"`
	Session string `glazed:"session"`
	Poll    string `glazed:"poll"`
	Option  string `glazed:"option"`
	Voter   string `glazed:"voter"`
}

func NewVoteCommand() (*VoteCommand, error) {
	desc := cmds.NewCommandDescription(
		"vote",
		cmds.WithShort("Cast a vote on a poll"),
		cmds.WithLong(`Cast a vote on a poll.

The server accepts the vote before it is stored; the tally catches up once the vote
comes back through the change feed. A voter who votes again moves their vote.`),
		cmds.WithFlags(
			fields.New("server", fields.TypeString, fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the panelfeed server")),
			fields.New("session", fields.TypeString, fields.WithRequired(true), fields.WithShortFlag("s"),
				fields.WithHelp("Session id")),
			fields.New("poll", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Poll id")),
			fields.New("option", fields.TypeString, fields.WithRequired(true),
				fields.WithHelp("Option id")),
			fields.New("voter", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Voter id (empty votes anonymously)")),
		),
	)
	return &VoteCommand{CommandDescription: desc}, nil
}

func (c *VoteCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &VoteSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	client, err := newAPIClient(s.Server)
	if err != nil {
		return err
	}
	err = client.do(ctx, http.MethodPost, sessionPath(s.Session, "polls", s.Poll, "votes"), map[string]string{
		"option_id": s.Option,
		"voter_id":  s.Voter,
	}, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "vote for %s accepted\n", s.Option)
	return err
}

var _ cmds.WriterCommand = &VoteCommand{}
