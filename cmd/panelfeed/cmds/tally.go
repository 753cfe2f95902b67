package cmds

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/panelfeed/pkg/votes"
)

type TallyCommand struct {
	*cmds.CommandDescription
}

type TallySettings struct {
	Server  string `glazed:"server"`
	Session string `glazed:"session"`
	Poll    string `glazed:"poll"`
}

func NewTallyCommand() (*TallyCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"tally",
		cmds.WithShort("Print the vote tally of a session's polls"),
		cmds.WithLong("Print one row per poll option with its vote count and share of the poll's votes."),
		cmds.WithFlags(
			fields.New("server", fields.TypeString, fields.WithDefault("http://localhost:8080"),
				fields.WithHelp("Base URL of the panelfeed server")),
			fields.New("session", fields.TypeString, fields.WithRequired(true), fields.WithShortFlag("s"),
				fields.WithHelp("Session id")),
			fields.New("poll", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Only print this poll")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &TallyCommand{CommandDescription: desc}, nil
}

func (c *TallyCommand) fetch(ctx context.Context, s *TallySettings) ([]votes.Tally, error) {
	client, err := newAPIClient(s.Server)
	if err != nil {
		return nil, err
	}
	path := sessionPath(s.Session, "polls", "tally")
	if s.Poll != "" {
		var t votes.Tally
		if err := client.do(ctx, http.MethodGet, path+"?"+url.Values{"poll": {s.Poll}}.Encode(), nil, &t); err != nil {
			return nil, err
		}
		return []votes.Tally{t}, nil
	}
	var resp struct {
		Polls []votes.Tally `json:"polls"`
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Polls, nil
}

func (c *TallyCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &TallySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	tallies, err := c.fetch(ctx, s)
	if err != nil {
		return err
	}
	for _, row := range tallyRows(tallies) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func tallyRows(tallies []votes.Tally) []types.Row {
	var rows []types.Row
	for _, t := range tallies {
		for _, o := range t.Options {
			rows = append(rows, types.NewRow(
				types.MRP("poll_id", t.PollID),
				types.MRP("question", t.Question),
				types.MRP("active", t.Active),
				types.MRP("option_id", o.ID),
				types.MRP("label", o.Label),
				types.MRP("count", o.Count),
				types.MRP("percent", o.Percent),
			))
		}
	}
	return rows
}

var _ cmds.GlazeCommand = &TallyCommand{}
